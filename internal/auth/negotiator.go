package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	cryptossh "golang.org/x/crypto/ssh"
)

// Negotiator produces the SSH auth methods for one connection attempt.
// Secrets it obtains live only for the attempt and are never stored.
type Negotiator struct {
	Prompter Prompter
	Host     string
	User     string
	// KeyPEM or KeyPath supply a private key; encrypted keys ask the
	// prompter for a passphrase.
	KeyPEM  []byte
	KeyPath string
	// Password is tried before prompting when set.
	Password string

	mu        sync.Mutex
	cancelled bool
	prompts   int
}

// ObtainCredential asks the prompter for one value. A prompter that cancels
// marks the negotiator as cancelled for the rest of the attempt.
func (n *Negotiator) ObtainCredential(ctx context.Context, p Prompt) (Credential, error) {
	if n.Cancelled() {
		return Credential{}, ErrCancelled
	}
	if p.Host == "" {
		p.Host = n.Host
	}
	if p.User == "" {
		p.User = n.User
	}
	prompter := n.Prompter
	if prompter == nil {
		prompter = Cancelled
	}

	n.mu.Lock()
	n.prompts++
	n.mu.Unlock()

	v, err := prompter.Prompt(ctx, p)
	if err != nil {
		if errors.Is(err, ErrCancelled) || errors.Is(err, ErrPromptTimeout) {
			n.markCancelled()
			log.Info().Str("component", "auth").Str("host", p.Host).Str("kind", p.Kind.String()).Msg("credential entry cancelled")
			return Credential{}, ErrCancelled
		}
		return Credential{}, err
	}
	return Credential{Kind: p.Kind, Secret: []byte(v)}, nil
}

// Cancelled reports whether the user cancelled during this attempt.
func (n *Negotiator) Cancelled() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.cancelled
}

// Prompts reports how many prompts were issued.
func (n *Negotiator) Prompts() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.prompts
}

func (n *Negotiator) markCancelled() {
	n.mu.Lock()
	n.cancelled = true
	n.mu.Unlock()
}

// AuthMethods returns the ordered methods: public key (when key material is
// configured), password, then keyboard-interactive.
func (n *Negotiator) AuthMethods(ctx context.Context) ([]cryptossh.AuthMethod, error) {
	var methods []cryptossh.AuthMethod

	keyPEM := n.KeyPEM
	if len(keyPEM) == 0 && strings.TrimSpace(n.KeyPath) != "" {
		b, err := os.ReadFile(n.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("auth: read key %s: %w", n.KeyPath, err)
		}
		keyPEM = b
	}
	if len(keyPEM) > 0 {
		signer, err := n.ParseKey(ctx, keyPEM)
		if err != nil {
			return nil, err
		}
		methods = append(methods, cryptossh.PublicKeys(signer))
	}

	methods = append(methods,
		cryptossh.PasswordCallback(func() (string, error) {
			if n.Password != "" {
				return n.Password, nil
			}
			cred, err := n.ObtainCredential(ctx, Prompt{
				Kind: KindPassword,
				Text: fmt.Sprintf("%s@%s's password", n.User, n.Host),
			})
			if err != nil {
				return "", err
			}
			defer cred.Wipe()
			return string(cred.Secret), nil
		}),
		cryptossh.KeyboardInteractive(n.challenge(ctx)),
	)
	return methods, nil
}

// challenge answers keyboard-interactive rounds. Each question is prompted in
// order with its own echo flag; the first cancellation aborts the round.
func (n *Negotiator) challenge(ctx context.Context) cryptossh.KeyboardInteractiveChallenge {
	return func(name, instruction string, questions []string, echos []bool) ([]string, error) {
		answers := make([]string, len(questions))
		for i, q := range questions {
			echo := i < len(echos) && echos[i]
			if !echo && n.Password != "" && isPasswordQuestion(q) {
				answers[i] = n.Password
				continue
			}
			text := q
			if instruction != "" && i == 0 {
				text = strings.TrimSpace(instruction) + "\n" + q
			}
			cred, err := n.ObtainCredential(ctx, Prompt{Kind: KindInteractive, Text: text, Echo: echo})
			if err != nil {
				return nil, err
			}
			answers[i] = string(cred.Secret)
			cred.Wipe()
		}
		return answers, nil
	}
}

// ParseKey parses a PEM private key, prompting for the passphrase when the
// key is encrypted.
func (n *Negotiator) ParseKey(ctx context.Context, pemBytes []byte) (cryptossh.Signer, error) {
	signer, err := cryptossh.ParsePrivateKey(pemBytes)
	if err == nil {
		return signer, nil
	}
	var missing *cryptossh.PassphraseMissingError
	if !errors.As(err, &missing) {
		return nil, fmt.Errorf("auth: parse private key: %w", err)
	}
	cred, err := n.ObtainCredential(ctx, Prompt{Kind: KindKey, Text: "Enter passphrase for key"})
	if err != nil {
		return nil, err
	}
	defer cred.Wipe()
	signer, err = cryptossh.ParsePrivateKeyWithPassphrase(pemBytes, cred.Secret)
	if err != nil {
		return nil, fmt.Errorf("auth: decrypt private key: %w", err)
	}
	return signer, nil
}

func isPasswordQuestion(q string) bool {
	return strings.Contains(strings.ToLower(q), "password")
}
