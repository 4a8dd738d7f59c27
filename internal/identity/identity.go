// Package identity verifies user access keys against identity services. Every
// verification is asynchronous: the callback runs on a goroutine of the
// connector's choosing and callers must hop back to their own goroutine.
package identity

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"
)

// Service is the wire byte naming which identity service issued a key.
type Service uint8

const (
	ServiceDeveloper Service = iota
	ServiceWeb
)

func (s Service) String() string {
	switch s {
	case ServiceDeveloper:
		return "developer"
	case ServiceWeb:
		return "web"
	default:
		return fmt.Sprintf("service(%d)", uint8(s))
	}
}

// Result is the outcome of one verification. UserID is the license used to
// recognise the player across sessions.
type Result struct {
	Verified    bool
	UserID      string
	DisplayName string
}

type Callback func(Result)

type Connector interface {
	VerifyUserAccessKey(ctx context.Context, service Service, key string, cb Callback)
}

// Mux routes each request to the connector registered for its service.
// Unknown services fail verification.
type Mux map[Service]Connector

func (m Mux) VerifyUserAccessKey(ctx context.Context, service Service, key string, cb Callback) {
	c, ok := m[service]
	if !ok {
		go cb(Result{})
		return
	}
	c.VerifyUserAccessKey(ctx, service, key, cb)
}

// Developer accepts any non-empty key. The key doubles as display name and the
// user id is derived from its hash, so the same key is the same player.
type Developer struct {
	// Delay simulates a remote round trip.
	Delay time.Duration
}

func (d Developer) VerifyUserAccessKey(ctx context.Context, _ Service, key string, cb Callback) {
	go func() {
		if d.Delay > 0 {
			select {
			case <-time.After(d.Delay):
			case <-ctx.Done():
				cb(Result{})
				return
			}
		}
		cb(DeveloperResult(key))
	}()
}

// DeveloperResult is the synchronous core of Developer.
func DeveloperResult(key string) Result {
	key = strings.TrimSpace(key)
	if key == "" {
		return Result{}
	}
	sum := blake2b.Sum256([]byte(key))
	return Result{
		Verified:    true,
		UserID:      "dev-" + hex.EncodeToString(sum[:16]),
		DisplayName: key,
	}
}

// Web asks an HTTP endpoint to verify keys.
type Web struct {
	URL    string
	Client *http.Client
	Logger *zap.Logger
}

type webRequest struct {
	Key string `json:"key"`
}

type webResponse struct {
	Verified    bool   `json:"verified"`
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

func (w Web) VerifyUserAccessKey(ctx context.Context, _ Service, key string, cb Callback) {
	go func() {
		res, err := w.verify(ctx, key)
		if err != nil {
			w.logger().Warn("verification failed", zap.Error(err))
			cb(Result{})
			return
		}
		cb(res)
	}()
}

func (w Web) verify(ctx context.Context, key string) (Result, error) {
	body, err := json.Marshal(webRequest{Key: key})
	if err != nil {
		return Result{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	client := w.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("identity: %s answered %s", w.URL, resp.Status)
	}

	var out webResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Result{}, fmt.Errorf("identity: decode response: %w", err)
	}
	if !out.Verified || out.UserID == "" {
		return Result{}, nil
	}
	return Result{Verified: true, UserID: out.UserID, DisplayName: out.DisplayName}, nil
}

func (w Web) logger() *zap.Logger {
	if w.Logger == nil {
		return zap.NewNop()
	}
	return w.Logger
}
