package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/julienschmidt/httprouter"

	"cpsim/internal"
	"cpsim/internal/config"
	"cpsim/models"
	"cpsim/simulator"
)

// Api is the control interface of the running simulator: charger CRUD,
// connection and transaction commands, config updates and scenario control.
type Api struct {
	conf       *config.Config
	httpServer *http.Server
	sim        *simulator.Simulator
	logger     internal.LogHandler
}

func NewServerApi(conf *config.Config, sim *simulator.Simulator, logger internal.LogHandler) *Api {
	server := Api{
		conf:   conf,
		sim:    sim,
		logger: logger,
	}
	router := httprouter.New()
	server.Register(router)
	server.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%s", conf.Api.BindIP, conf.Api.Port),
		Handler: router,
	}
	return &server
}

func (s *Api) Start() error {
	s.logger.Debug("starting api server on " + s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

func (s *Api) Register(router *httprouter.Router) {
	router.GET("/api/chargers", s.listChargers)
	router.POST("/api/chargers", s.createCharger)
	router.GET("/api/chargers/:id", s.getCharger)
	router.DELETE("/api/chargers/:id", s.deleteCharger)
	router.POST("/api/chargers/:id/connect", s.connectCharger)
	router.POST("/api/chargers/:id/disconnect", s.disconnectCharger)
	router.POST("/api/chargers/:id/start", s.startTransaction)
	router.POST("/api/chargers/:id/stop", s.stopTransaction)
	router.POST("/api/chargers/:id/config", s.changeConfiguration)
	router.GET("/api/chargers/:id/log", s.readOcppLog)
	router.POST("/api/locations/:id/rush", s.runRushPeriod)
	router.POST("/api/locations/:id/cancel", s.cancelScenario)
	router.POST("/api/locations/:id/stopall", s.stopAllCharging)
	router.GET("/api/locations/:id/scenario", s.scenarioStatus)
}

func (s *Api) respond(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			s.logger.Error("api: encoding response", err)
		}
	}
}

func (s *Api) respondError(w http.ResponseWriter, status int, err error) {
	s.respond(w, status, map[string]string{"error": err.Error()})
}

func (s *Api) listChargers(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	s.respond(w, http.StatusOK, s.sim.ChargerSnapshots())
}

func (s *Api) createCharger(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var model models.ChargePoint
	if err := json.NewDecoder(r.Body).Decode(&model); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	ch, err := s.sim.CreateCharger(model)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	s.respond(w, http.StatusCreated, ch.Snapshot())
}

func (s *Api) getCharger(w http.ResponseWriter, _ *http.Request, params httprouter.Params) {
	snapshot, err := s.sim.ChargerSnapshot(params.ByName("id"))
	if err != nil {
		s.respondError(w, http.StatusNotFound, err)
		return
	}
	s.respond(w, http.StatusOK, snapshot)
}

func (s *Api) deleteCharger(w http.ResponseWriter, _ *http.Request, params httprouter.Params) {
	if err := s.sim.DeleteCharger(params.ByName("id")); err != nil {
		s.respondError(w, http.StatusNotFound, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]string{"result": "deleted"})
}

func (s *Api) connectCharger(w http.ResponseWriter, _ *http.Request, params httprouter.Params) {
	if err := s.sim.Connect(params.ByName("id")); err != nil {
		s.respondError(w, http.StatusNotFound, err)
		return
	}
	s.respond(w, http.StatusAccepted, map[string]string{"result": "connecting"})
}

func (s *Api) disconnectCharger(w http.ResponseWriter, _ *http.Request, params httprouter.Params) {
	if err := s.sim.Disconnect(params.ByName("id")); err != nil {
		s.respondError(w, http.StatusNotFound, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]string{"result": "disconnected"})
}

type transactionCommand struct {
	ConnectorId int    `json:"connector_id"`
	IdTag       string `json:"id_tag"`
}

func (s *Api) startTransaction(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	var cmd transactionCommand
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.sim.StartTransaction(params.ByName("id"), cmd.ConnectorId, cmd.IdTag); err != nil {
		s.respondError(w, http.StatusConflict, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]string{"result": "started"})
}

func (s *Api) stopTransaction(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	var cmd transactionCommand
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.sim.StopTransaction(params.ByName("id"), cmd.ConnectorId); err != nil {
		s.respondError(w, http.StatusConflict, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]string{"result": "stopped"})
}

type configCommand struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (s *Api) changeConfiguration(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	var cmd configCommand
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	status, err := s.sim.ChangeConfiguration(params.ByName("id"), cmd.Key, cmd.Value)
	if err != nil {
		s.respondError(w, http.StatusNotFound, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]string{"status": string(status)})
}

func (s *Api) readOcppLog(w http.ResponseWriter, _ *http.Request, params httprouter.Params) {
	records, err := s.sim.OcppLog(params.ByName("id"))
	if err != nil {
		s.respondError(w, http.StatusNotFound, err)
		return
	}
	s.respond(w, http.StatusOK, records)
}

func (s *Api) runRushPeriod(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	seconds, err := strconv.Atoi(r.URL.Query().Get("duration"))
	if err != nil || seconds <= 0 {
		seconds = 60
	}
	run, err := s.sim.RunRushPeriod(params.ByName("id"), time.Duration(seconds)*time.Second)
	if err != nil {
		s.respondError(w, http.StatusConflict, err)
		return
	}
	s.respond(w, http.StatusAccepted, run.Snapshot())
}

func (s *Api) cancelScenario(w http.ResponseWriter, _ *http.Request, params httprouter.Params) {
	if err := s.sim.CancelScenario(params.ByName("id")); err != nil {
		s.respondError(w, http.StatusConflict, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]string{"result": "cancelled"})
}

func (s *Api) stopAllCharging(w http.ResponseWriter, _ *http.Request, params httprouter.Params) {
	stopped, failed := s.sim.StopAllCharging(params.ByName("id"))
	s.respond(w, http.StatusOK, map[string]int{"stopped": stopped, "failed": failed})
}

func (s *Api) scenarioStatus(w http.ResponseWriter, _ *http.Request, params httprouter.Params) {
	snapshot, err := s.sim.ScenarioStatus(params.ByName("id"))
	if err != nil {
		s.respondError(w, http.StatusNotFound, err)
		return
	}
	s.respond(w, http.StatusOK, snapshot)
}
