package counters

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var connectionsGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "simulator",
	Name:      "connections_active",
	Help:      "Number of active ws connections",
}, []string{"location"})

var activeTransactionsGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "simulator",
	Name:      "transactions_active",
	Help:      "Number of active transactions",
}, []string{"location"})

var transactionCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "simulator",
	Name:      "transaction_count",
	Help:      "Total number of transactions.",
}, []string{"location"})

var powerRateGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "simulator",
	Name:      "current_power_rate",
	Help:      "Power rate on current transactions.",
}, []string{"location", "charge_point_id", "connector_id"})

var scenarioCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "simulator",
	Name:      "scenario_count",
	Help:      "Total number of finished scenario runs.",
}, []string{"location", "status"})

func ConnectionOpened(location string) {
	if len(location) == 0 {
		return
	}
	connectionsGauge.With(prometheus.Labels{"location": location}).Inc()
}

func ConnectionClosed(location string) {
	if len(location) == 0 {
		return
	}
	connectionsGauge.With(prometheus.Labels{"location": location}).Dec()
}

func TransactionStarted(location string) {
	if len(location) == 0 {
		return
	}
	activeTransactionsGauge.With(prometheus.Labels{"location": location}).Inc()
	transactionCounter.With(prometheus.Labels{"location": location}).Inc()
}

func TransactionStopped(location string) {
	if len(location) == 0 {
		return
	}
	activeTransactionsGauge.With(prometheus.Labels{"location": location}).Dec()
}

func ObservePowerRate(location, chargePointId, connectorId string, power float64) {
	if len(location) == 0 {
		return
	}
	powerRateGauge.With(
		prometheus.Labels{
			"location":        location,
			"charge_point_id": chargePointId,
			"connector_id":    connectorId,
		}).Set(power)
}

func ScenarioFinished(location, status string) {
	if len(location) == 0 || len(status) == 0 {
		return
	}
	scenarioCounter.With(prometheus.Labels{"location": location, "status": status}).Inc()
}
