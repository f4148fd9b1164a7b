package main

import (
	"log"

	"cpsim/server"
)

func main() {

	service, err := server.NewService()
	if err != nil {
		log.Println("simulator initialization failed", err)
		return
	}
	service.Start()

}
