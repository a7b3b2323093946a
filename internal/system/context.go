package system

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/KevinKickass/OpenMachineSim/internal/config"
	"github.com/KevinKickass/OpenMachineSim/internal/metrics"
	"github.com/KevinKickass/OpenMachineSim/internal/patterns"
	"github.com/KevinKickass/OpenMachineSim/internal/ports"
	"github.com/KevinKickass/OpenMachineSim/internal/protocols/mqtt"
)

const brokerOwner = "mqtt_broker"

// SimulationContext holds the state shared by all protocol managers of one
// run. It is created by the orchestrator and torn down with it.
type SimulationContext struct {
	RunID     uuid.UUID
	StartedAt time.Time
	// Seed is the resolved seed shared by every device of the run.
	Seed      uint64
	Allocator *ports.Allocator
	Metrics   *metrics.Metrics

	bindHost   string
	broker     *mqtt.Broker
	brokerPort int
	brokerURL  string
	logger     *zap.Logger
}

// NewSimulationContext reserves one port pool per configured family.
func NewSimulationContext(cfg *config.Config, m *metrics.Metrics, logger *zap.Logger) (*SimulationContext, error) {
	if m == nil {
		m = metrics.New()
	}

	sc := &SimulationContext{
		RunID:     uuid.New(),
		StartedAt: time.Now(),
		Seed:      patterns.RunSeed(cfg.Simulation.Seed),
		Allocator: ports.NewAllocator(),
		Metrics:   m,
		bindHost:  cfg.Network.BindHost,
		logger:    logger,
	}

	for _, family := range []ports.Family{ports.FamilyModbus, ports.FamilyMQTT, ports.FamilyOPCUA} {
		start, end, ok := cfg.Network.PortRange(string(family))
		if !ok {
			continue
		}
		if err := sc.Allocator.ReservePool(family, start, end); err != nil {
			return nil, err
		}
		if u, err := sc.Allocator.Utilization(family); err == nil {
			m.SetPortUtilization(family, u)
		}
	}

	logger.Info("Simulation context created",
		zap.String("run_id", sc.RunID.String()),
		zap.Uint64("seed", sc.Seed),
		zap.Any("pools", sc.Allocator.Families()))

	return sc, nil
}

func (sc *SimulationContext) BindHost() string { return sc.bindHost }

// ConnectBroker returns the URL the MQTT gateway should dial. With an
// embedded broker it first takes a port from the mqtt pool and starts the
// broker on it.
func (sc *SimulationContext) ConnectBroker(cfg config.MQTTConfig) (string, error) {
	if sc.brokerURL != "" {
		return sc.brokerURL, nil
	}

	if !cfg.UseEmbeddedBroker {
		sc.brokerURL = "tcp://" + net.JoinHostPort(cfg.BrokerHost, strconv.Itoa(cfg.BrokerPort))
		return sc.brokerURL, nil
	}

	got, err := sc.Allocator.AllocateFrom(ports.FamilyMQTT, cfg.BrokerPort, 1, brokerOwner)
	if err != nil {
		return "", fmt.Errorf("failed to allocate broker port: %w", err)
	}
	port := got[0]

	broker := mqtt.NewBroker(net.JoinHostPort(sc.bindHost, strconv.Itoa(port)), sc.logger)
	if err := broker.Start(); err != nil {
		sc.Allocator.Release(port)
		return "", err
	}

	sc.broker = broker
	sc.brokerPort = port
	sc.brokerURL = "tcp://" + net.JoinHostPort(dialHost(sc.bindHost), strconv.Itoa(port))
	return sc.brokerURL, nil
}

// BrokerClients reports the embedded broker's connected clients, or 0 when
// no broker runs in process.
func (sc *SimulationContext) BrokerClients() int64 {
	if sc.broker == nil {
		return 0
	}
	return sc.broker.Clients()
}

func (sc *SimulationContext) BrokerURL() string { return sc.brokerURL }

// Close stops the embedded broker and gives its port back.
func (sc *SimulationContext) Close() error {
	var errs []error
	if sc.broker != nil {
		if err := sc.broker.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close broker: %w", err))
		}
		sc.Allocator.Release(sc.brokerPort)
		sc.broker = nil
	}
	sc.brokerURL = ""
	return errors.Join(errs...)
}

func dialHost(bindHost string) string {
	switch bindHost {
	case "", "0.0.0.0", "::":
		return "127.0.0.1"
	}
	return bindHost
}
