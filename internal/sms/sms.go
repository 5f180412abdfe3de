// Package sms implements SmsService (spec.md §3 "SmsCode", §6 "SMS
// provider interface"): a log-sink sender that stores the issued code in
// the KV store with a 60s TTL and tracks a 30s per-phone resend cooldown
// in process.
package sms

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/chatcore/linechat/internal/kvstore"
	"github.com/chatcore/linechat/internal/pool"
)

const (
	codeTTL         = 60 * time.Second
	resendCooldown  = 30 * time.Second
	codeDigits      = 6
	codeDigitsRange = 1000000
)

// ErrCooldown is returned when a phone number re-requests a code before the
// resend cooldown has elapsed.
var ErrCooldown = fmt.Errorf("sms: resend cooldown has not elapsed")

// Service sends (as a log-sink) and verifies one-time SMS codes.
type Service struct {
	kv  *pool.Pool[kvstore.Conn]
	log zerolog.Logger

	mu       sync.Mutex
	lastSent map[string]time.Time
}

// New builds a Service.
func New(kv *pool.Pool[kvstore.Conn], log zerolog.Logger) *Service {
	return &Service{kv: kv, log: log, lastSent: make(map[string]time.Time)}
}

func codeKey(phone string) string { return "sms:" + phone }

// Send generates and "delivers" (logs) a fresh code for phone, storing it
// under sms:<phone> with a 60s TTL. Returns ErrCooldown if phone sent a
// code less than 30s ago.
func (s *Service) Send(ctx context.Context, phone string) error {
	s.mu.Lock()
	if last, ok := s.lastSent[phone]; ok && time.Since(last) < resendCooldown {
		s.mu.Unlock()
		return ErrCooldown
	}
	s.lastSent[phone] = time.Now()
	s.mu.Unlock()

	code, err := generateCode()
	if err != nil {
		return err
	}

	h, err := s.kv.Acquire(ctx)
	if err != nil {
		return err
	}
	defer h.Release()

	if err := h.Value.Set(ctx, codeKey(phone), code, codeTTL); err != nil {
		return err
	}

	s.log.Info().Str("phone", phone).Str("code", code).Msg("sms: code sent")
	return nil
}

// Verify checks code against the stored value for phone and, on a match,
// destroys it (a code may only be used once).
func (s *Service) Verify(ctx context.Context, phone, code string) (bool, error) {
	h, err := s.kv.Acquire(ctx)
	if err != nil {
		return false, err
	}
	defer h.Release()

	stored, found, err := h.Value.Get(ctx, codeKey(phone))
	if err != nil {
		return false, err
	}
	if !found || stored != code {
		return false, nil
	}
	if _, err := h.Value.Del(ctx, codeKey(phone)); err != nil {
		return false, err
	}
	return true, nil
}

func generateCode() (string, error) {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	n := (uint32(buf[0])<<24 | uint32(buf[1])<<16 | uint32(buf[2])<<8 | uint32(buf[3])) % codeDigitsRange
	return fmt.Sprintf("%0*d", codeDigits, n), nil
}
