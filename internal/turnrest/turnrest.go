// Package turnrest issues coturn-compatible ephemeral TURN credentials
// (draft-uberti-behave-turn-rest):
//
//	username   = <unix expiry>:<prefix>:<subject>
//	credential = base64(hmac_sha1(shared_secret, username))
package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

const (
	DefaultTTL            = time.Hour
	DefaultUsernamePrefix = "aero"
)

var (
	ErrNoSecret   = errors.New("turnrest: shared secret is required")
	ErrBadTTL     = errors.New("turnrest: ttl must be at least one second")
	ErrBadPrefix  = errors.New("turnrest: username prefix must not contain ':'")
	ErrBadSubject = errors.New("turnrest: subject must be non-empty and must not contain ':'")
)

type Config struct {
	SharedSecret   string
	TTL            time.Duration
	UsernamePrefix string
	Now            func() time.Time
	// NewSubject names credentials that are not tied to a caller-chosen
	// subject. Defaults to a random UUID.
	NewSubject func() string
}

type Generator struct {
	secret     []byte
	ttl        time.Duration
	prefix     string
	now        func() time.Time
	newSubject func() string
}

func NewGenerator(cfg Config) (*Generator, error) {
	if cfg.SharedSecret == "" {
		return nil, ErrNoSecret
	}
	if cfg.TTL == 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.TTL < time.Second {
		return nil, ErrBadTTL
	}
	if cfg.UsernamePrefix == "" {
		cfg.UsernamePrefix = DefaultUsernamePrefix
	}
	if strings.Contains(cfg.UsernamePrefix, ":") {
		return nil, ErrBadPrefix
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewSubject == nil {
		cfg.NewSubject = uuid.NewString
	}
	return &Generator{
		secret:     []byte(cfg.SharedSecret),
		ttl:        cfg.TTL,
		prefix:     cfg.UsernamePrefix,
		now:        cfg.Now,
		newSubject: cfg.NewSubject,
	}, nil
}

type Credentials struct {
	Username   string
	Credential string
	Expires    time.Time
}

func (g *Generator) Issue(subject string) (Credentials, error) {
	if subject == "" || strings.Contains(subject, ":") {
		return Credentials{}, ErrBadSubject
	}
	expires := g.now().UTC().Add(g.ttl).Truncate(time.Second)
	username := strconv.FormatInt(expires.Unix(), 10) + ":" + g.prefix + ":" + subject
	return Credentials{
		Username:   username,
		Credential: sign(g.secret, username),
		Expires:    expires,
	}, nil
}

func (g *Generator) IssueRandom() (Credentials, error) {
	return g.Issue(g.newSubject())
}

// Inject returns a copy of servers in which every TURN server carries fresh
// credentials. STUN-only servers are left untouched. The credentials are
// returned for logging and response headers.
func (g *Generator) Inject(servers []webrtc.ICEServer) ([]webrtc.ICEServer, Credentials, error) {
	creds, err := g.IssueRandom()
	if err != nil {
		return nil, Credentials{}, err
	}
	out := make([]webrtc.ICEServer, len(servers))
	for i, s := range servers {
		s.URLs = append([]string(nil), s.URLs...)
		if isTURN(s) {
			s.Username = creds.Username
			s.Credential = creds.Credential
			s.CredentialType = webrtc.ICECredentialTypePassword
		}
		out[i] = s
	}
	return out, creds, nil
}

func isTURN(s webrtc.ICEServer) bool {
	for _, u := range s.URLs {
		lower := strings.ToLower(u)
		if strings.HasPrefix(lower, "turn:") || strings.HasPrefix(lower, "turns:") {
			return true
		}
	}
	return false
}

func sign(secret []byte, username string) string {
	mac := hmac.New(sha1.New, secret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
