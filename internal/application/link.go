package application

import (
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/eugenenazirov/telemetry-node/internal/broker"
)

// brokerLink lets the publisher be built before the connection exists.
// It reports disconnected until Start attaches a connection.
type brokerLink struct {
	mu   sync.RWMutex
	conn BrokerConn
}

func (l *brokerLink) set(conn BrokerConn) {
	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()
}

func (l *brokerLink) close() {
	l.mu.Lock()
	conn := l.conn
	l.conn = nil
	l.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

func (l *brokerLink) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	l.mu.RLock()
	conn := l.conn
	l.mu.RUnlock()

	if conn == nil {
		return failedToken{err: broker.ErrNotConnected}
	}
	return conn.Publish(topic, qos, retained, payload)
}

func (l *brokerLink) IsConnected() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.conn != nil && l.conn.IsConnected()
}

var closedDone = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// failedToken is an already-completed token carrying err.
type failedToken struct {
	err error
}

func (t failedToken) Wait() bool                     { return true }
func (t failedToken) WaitTimeout(time.Duration) bool { return true }
func (t failedToken) Done() <-chan struct{}          { return closedDone }
func (t failedToken) Error() error                   { return t.err }
