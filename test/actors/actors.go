// Package actors drives the signing lifecycle concurrently against a shared
// Postgres store. Expected conflicts (already signed, expired) are counted,
// not returned; only invariant breaches end an actor with an error.
package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"signflow/signing"
)

// Tokens is the shared set of live signing links.
type Tokens struct {
	mu   sync.RWMutex
	list []string
}

func (t *Tokens) Add(token string) {
	t.mu.Lock()
	t.list = append(t.list, token)
	t.mu.Unlock()
}

// Random returns a random token, or "" while the set is empty.
func (t *Tokens) Random() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.list) == 0 {
		return ""
	}
	return t.list[rand.Intn(len(t.list))]
}

func (t *Tokens) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.list)
}

// Stats counts operation outcomes across all actors.
type Stats struct {
	Created    atomic.Int64
	Opened     atomic.Int64
	Signed     atomic.Int64
	Declined   atomic.Int64
	Conflicts  atomic.Int64
	Expired    atomic.Int64
	Infra      atomic.Int64
	References atomic.Int64
}

func (s *Stats) String() string {
	return fmt.Sprintf("created=%d opened=%d signed=%d declined=%d conflicts=%d expired=%d refs=%d infra_errors=%d",
		s.Created.Load(), s.Opened.Load(), s.Signed.Load(), s.Declined.Load(),
		s.Conflicts.Load(), s.Expired.Load(), s.References.Load(), s.Infra.Load())
}

// classify records an outcome. It returns an error only for results that
// can never be correct, such as an unknown token for a link we issued.
func (s *Stats) classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return nil
	case errors.Is(err, signing.ErrInvalidState):
		s.Conflicts.Add(1)
	case errors.Is(err, signing.ErrExpired):
		s.Expired.Add(1)
	case errors.Is(err, signing.ErrNotFound), errors.Is(err, signing.ErrReferenceConflict):
		return fmt.Errorf("%s: %w", op, err)
	default:
		// dropped connections from chaos and the like
		s.Infra.Add(1)
	}
	return nil
}

func pause(ctx context.Context, stop <-chan struct{}, base, jitter int) bool {
	select {
	case <-ctx.Done():
		return false
	case <-stop:
		return false
	case <-time.After(time.Duration(base+rand.Intn(jitter)) * time.Millisecond):
		return true
	}
}

// Creator issues new requests and publishes their tokens.
func Creator(ctx context.Context, svc *signing.Service, tokens *Tokens, stats *Stats, stop <-chan struct{}) error {
	for i := 0; ; i++ {
		created, err := svc.Create(ctx, signing.CreateParams{
			ClientName:     fmt.Sprintf("Client %d-%d", rand.Intn(1000), i),
			ClientEmail:    fmt.Sprintf("client%d@example.com", i),
			TemplateType:   "cea",
			ExternalCaseID: fmt.Sprintf("500%06d", rand.Intn(1_000_000)),
		})
		if err == nil {
			tokens.Add(created.Token)
			stats.Created.Add(1)
		} else if err := stats.classify("create", err); err != nil {
			return err
		}
		if !pause(ctx, stop, 50, 100) {
			return nil
		}
	}
}

// Opener opens random links, moving Sent requests to Delivered.
func Opener(ctx context.Context, svc *signing.Service, tokens *Tokens, stats *Stats, stop <-chan struct{}) error {
	for {
		if token := tokens.Random(); token != "" {
			_, err := svc.Open(ctx, token, signing.Client{IP: "10.0.0.1", UserAgent: "stress-opener"})
			if err == nil {
				stats.Opened.Add(1)
			} else if err := stats.classify("open", err); err != nil {
				return err
			}
		}
		if !pause(ctx, stop, 5, 20) {
			return nil
		}
	}
}

// Signer submits signatures on random links. Several signers race on the
// same tokens.
func Signer(ctx context.Context, svc *signing.Service, tokens *Tokens, signature []byte, stats *Stats, stop <-chan struct{}) error {
	for {
		if token := tokens.Random(); token != "" {
			_, err := svc.Submit(ctx, token, signing.SubmitParams{
				Signature: signature,
				Consent:   true,
				Client:    signing.Client{IP: "10.0.0.2", UserAgent: "stress-signer"},
			})
			if err == nil {
				stats.Signed.Add(1)
			} else if err := stats.classify("submit", err); err != nil {
				return err
			}
		}
		if !pause(ctx, stop, 5, 25) {
			return nil
		}
	}
}

// Decliner declines random links now and then.
func Decliner(ctx context.Context, svc *signing.Service, tokens *Tokens, stats *Stats, stop <-chan struct{}) error {
	for {
		if token := tokens.Random(); token != "" {
			_, err := svc.Decline(ctx, token, "stress decline", signing.Client{IP: "10.0.0.3"})
			if err == nil {
				stats.Declined.Add(1)
			} else if err := stats.classify("decline", err); err != nil {
				return err
			}
		}
		if !pause(ctx, stop, 40, 80) {
			return nil
		}
	}
}

// Referencer attaches envelope ids. Each token always gets the same id, so
// a reference conflict means an attach was lost or duplicated.
func Referencer(ctx context.Context, svc *signing.Service, tokens *Tokens, stats *Stats, stop <-chan struct{}) error {
	for {
		if token := tokens.Random(); token != "" {
			envelopeID := "env-" + signing.HashToken(token)[:12]
			_, err := svc.RecordExternalReference(ctx, signing.ByToken(token), envelopeID, signing.SourceBackOffice)
			if err == nil {
				stats.References.Add(1)
			} else if err := stats.classify("reference", err); err != nil {
				return err
			}
		}
		if !pause(ctx, stop, 20, 40) {
			return nil
		}
	}
}
