package types

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"
)

var (
	ErrNotFound   = errors.New("entry not found")
	ErrBucketFull = errors.New("bucket full")
)

// LoginTimeLayout is RFC 3339 in UTC with millisecond precision.
const LoginTimeLayout = "2006-01-02T15:04:05.000Z07:00"

// Entry is a stored response: the bytes, status and headers of one request key.
type Entry struct {
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	Body     []byte      `json:"body"`
	StoredAt time.Time   `json:"stored_at"`
}

type SessionRecord struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	Role      string    `json:"role"`
	LoginTime time.Time `json:"loginTime"`
}

func (s SessionRecord) MarshalJSON() ([]byte, error) {
	type record SessionRecord
	return json.Marshal(struct {
		record
		LoginTime string `json:"loginTime"`
	}{
		record:    record(s),
		LoginTime: s.LoginTime.UTC().Format(LoginTimeLayout),
	})
}

// Expired reports whether the record is outside the validity window at now.
func (s SessionRecord) Expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(s.LoginTime) >= ttl
}

type RegisteredUser struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
	Role  string `json:"role"`
}

type RedisConfig struct {
	Addr     string        `yaml:"addr" env:"ADDR"`
	Password string        `yaml:"password" env:"PASSWORD"`
	DB       int           `yaml:"db" env:"DB"`
	Prefix   string        `yaml:"prefix" env:"PREFIX"`
	Timeout  time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver" env:"DRIVER" validate:"omitempty,oneof=sqlite postgres mysql"`
	DSN    string `yaml:"dsn" env:"DSN"`
	Path   string `yaml:"path" env:"PATH"`
}
