// Package bark pushes operator alerts (webhook abuse, limiter rejections)
// through the Bark notification API.
package bark

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// ConfigFunc is called on each push so key rotation needs no restart.
type ConfigFunc func() (key, serverURL, title string)

// Service sends iOS push notifications via the Bark API. Abuse alerts are
// throttled per identifier so a flood produces one push, not thousands.
type Service struct {
	configFn   ConfigFunc
	httpClient *http.Client

	mu         sync.Mutex
	lastPushAt map[string]time.Time
	throttleD  time.Duration
}

// New creates the alert service. configFn is called on each push to retrieve
// the current settings.
func New(configFn ConfigFunc) *Service {
	return &Service{
		configFn:   configFn,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		lastPushAt: make(map[string]time.Time),
		throttleD:  10 * time.Minute,
	}
}

type pushPayload struct {
	DeviceKey string `json:"device_key"`
	Title     string `json:"title"`
	Body      string `json:"body"`
	Category  string `json:"category,omitempty"`
	Group     string `json:"group,omitempty"`
}

// Push sends a Bark notification immediately (no throttle).
func (s *Service) Push(title, body string) error {
	key, serverURL, gatewayTitle := s.configFn()
	if key == "" {
		return fmt.Errorf("bark key not configured")
	}
	if serverURL == "" {
		serverURL = "https://day.app"
	}

	payload := pushPayload{
		DeviceKey: key,
		Title:     fmt.Sprintf("[%s] %s", gatewayTitle, title),
		Body:      body,
		Category:  gatewayTitle,
		Group:     gatewayTitle,
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	resp, err := s.httpClient.Post(serverURL+"/push", "application/json", bytes.NewReader(b))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("bark push failed with status %d", resp.StatusCode)
	}
	return nil
}

// ThrottlePush alerts on a rate-limit rejection, at most once per throttle
// window for the same ip|path pair.
func (s *Service) ThrottlePush(ip, path string) {
	key, _, _ := s.configFn()
	if key == "" {
		return
	}
	if !s.admit(ip + "|" + path) {
		return
	}
	_ = s.Push("Possible webhook abuse", fmt.Sprintf("IP: %s Path: %s", ip, path))
}

// admit records a push attempt for the identifier and reports whether the
// throttle window allows it. Stale entries are swept opportunistically.
func (s *Service) admit(identifier string) bool {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if last, ok := s.lastPushAt[identifier]; ok && now.Sub(last) < s.throttleD {
		return false
	}
	for k, at := range s.lastPushAt {
		if now.Sub(at) >= s.throttleD {
			delete(s.lastPushAt, k)
		}
	}
	s.lastPushAt[identifier] = now
	return true
}
