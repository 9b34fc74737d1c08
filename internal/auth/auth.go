// Package auth obtains SSH credentials through pluggable, possibly
// interactive, prompters.
//
// A Prompter is asked for one value at a time. Interactive prompters may be
// backed by a terminal (Terminal), a UI exchanging completion handles
// (Broker) or fixed values (Static). User cancellation is reported as
// ErrCancelled and is never retried automatically.
package auth

import (
	"context"
	"errors"
	"fmt"
)

// Kind identifies what a credential unlocks.
type Kind int

const (
	KindPassword Kind = iota
	KindKey
	KindInteractive
)

func (k Kind) String() string {
	switch k {
	case KindPassword:
		return "password"
	case KindKey:
		return "key"
	case KindInteractive:
		return "interactive"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

var (
	// ErrCancelled is returned when the user declines to enter a credential.
	ErrCancelled = errors.New("auth: credential entry cancelled")
	// ErrNoCredential is returned by prompters that cannot answer a prompt.
	ErrNoCredential = errors.New("auth: no credential available")
	// ErrPromptTimeout is returned when nobody resolves a prompt in time.
	ErrPromptTimeout = errors.New("auth: credential prompt timed out")
)

// Prompt describes one value the remote side is asking for.
type Prompt struct {
	// ID is unique per prompt; Broker uses it to route answers.
	ID   string `json:"id"`
	Kind Kind   `json:"kind"`
	Host string `json:"host"`
	User string `json:"user"`
	// Text is the server-supplied (or generated) prompt text.
	Text string `json:"text"`
	// Echo is false for secrets that must be read with hidden input.
	Echo bool `json:"echo"`
}

// Credential is a secret scoped to a single authentication attempt.
type Credential struct {
	Kind   Kind
	Secret []byte
}

// String never includes the secret.
func (c Credential) String() string {
	return fmt.Sprintf("credential(%s, %d bytes)", c.Kind, len(c.Secret))
}

// Wipe zeroes the secret in place.
func (c *Credential) Wipe() {
	for i := range c.Secret {
		c.Secret[i] = 0
	}
	c.Secret = nil
}

// Prompter returns the user's answer to a single prompt.
type Prompter interface {
	Prompt(ctx context.Context, p Prompt) (string, error)
}

// PrompterFunc adapts a function to Prompter.
type PrompterFunc func(ctx context.Context, p Prompt) (string, error)

func (f PrompterFunc) Prompt(ctx context.Context, p Prompt) (string, error) { return f(ctx, p) }

// Static answers prompts from fixed values.
type Static struct {
	Password   string
	Passphrase string
	// Answers are consumed in order for echoing keyboard-interactive prompts.
	Answers []string

	next int
}

func (s *Static) Prompt(_ context.Context, p Prompt) (string, error) {
	switch {
	case p.Kind == KindKey:
		if s.Passphrase == "" {
			return "", ErrNoCredential
		}
		return s.Passphrase, nil
	case p.Kind == KindPassword, p.Kind == KindInteractive && !p.Echo:
		if s.Password == "" {
			return "", ErrNoCredential
		}
		return s.Password, nil
	default:
		if s.next >= len(s.Answers) {
			return "", ErrNoCredential
		}
		a := s.Answers[s.next]
		s.next++
		return a, nil
	}
}

// Cancelled is a Prompter that always cancels. Useful for non-interactive
// runs where no credential source exists.
var Cancelled Prompter = PrompterFunc(func(context.Context, Prompt) (string, error) {
	return "", ErrCancelled
})
