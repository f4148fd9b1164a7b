package server

import (
	"fmt"
	"log"

	"cpsim/internal/config"
	"cpsim/metrics"
	"cpsim/simulator"
	"cpsim/telegram"
)

// Service wires the simulator with its control api, metrics endpoint and
// the optional telegram notifier.
type Service struct {
	conf *config.Config
	sim  *simulator.Simulator
	api  *Api
}

func NewService() (*Service, error) {
	conf, err := config.GetConfig()
	if err != nil {
		return nil, fmt.Errorf("configuration failed: %s", err)
	}

	sim, err := simulator.NewSimulator(conf)
	if err != nil {
		return nil, fmt.Errorf("simulator initialization failed: %s", err)
	}

	if conf.Telegram.Enabled {
		telegramBot, err := telegram.NewBot(conf.Telegram.ApiKey)
		if err != nil {
			return nil, fmt.Errorf("telegram bot setup failed: %s", err)
		}
		telegramBot.SetStatusProvider(func() string {
			return fmt.Sprintf("Chargers registered: %d", len(sim.ChargerSnapshots()))
		})
		telegramBot.Start()
		sim.SetEventHandler(telegramBot)
		log.Println("telegram bot is configured and enabled")
	}

	service := &Service{
		conf: conf,
		sim:  sim,
		api:  NewServerApi(conf, sim, sim.Logger()),
	}
	return service, nil
}

func (s *Service) Start() {

	go func() {
		if err := s.api.Start(); err != nil {
			s.sim.Logger().Error("api server failed", err)
		}
	}()

	go func() {
		if err := metrics.Listen(s.conf); err != nil {
			s.sim.Logger().Error("metrics server failed", err)
		}
	}()

	select {}
}
