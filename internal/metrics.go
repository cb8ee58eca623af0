package internal

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
)

type Metrics struct {
	activeConns   atomic.Int64
	messagesTotal atomic.Uint64
	filesTotal    atomic.Uint64
	expiredTotal  atomic.Uint64
}

func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) IncConn() {
	m.activeConns.Add(1)
}

func (m *Metrics) DecConn() {
	m.activeConns.Add(-1)
}

func (m *Metrics) IncMessage() {
	m.messagesTotal.Add(1)
}

func (m *Metrics) IncFile() {
	m.filesTotal.Add(1)
}

func (m *Metrics) IncExpired() {
	m.expiredTotal.Add(1)
}

func (m *Metrics) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	payload := map[string]any{
		"active_connections": m.activeConns.Load(),
		"messages_total":     m.messagesTotal.Load(),
		"files_total":        m.filesTotal.Load(),
		"expired_total":      m.expiredTotal.Load(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}
