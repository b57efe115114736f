/*
Package config holds the options every client and server session is built
from, and loads them from viper.
*/
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/cohesivestack/valgo"
	"github.com/spf13/viper"
	"github.com/theapemachine/rpclink/pkg/jsonrpc"
)

/*
Options configures one session. Retries is the number of connect retries
after the first attempt; nil retries forever.
*/
type Options struct {
	Version           jsonrpc.Version
	Delimiter         string
	Timeout           time.Duration
	ConnectionTimeout time.Duration
	Retries           *int
}

/*
Default returns version 2, CRLF delimiting, a 30 second request timeout and
two connect retries five seconds apart.
*/
func Default() Options {
	return Options{
		Version:           jsonrpc.Version2,
		Delimiter:         "\r\n",
		Timeout:           30 * time.Second,
		ConnectionTimeout: 5 * time.Second,
		Retries:           Retries(2),
	}
}

// Retries returns a pointer to n, for building Options literals.
func Retries(n int) *int {
	return &n
}

// Unlimited reports whether connect retries never run out.
func (options Options) Unlimited() bool {
	return options.Retries == nil
}

// RetryBudget returns the configured retries, or -1 when unlimited.
func (options Options) RetryBudget() int {
	if options.Retries == nil {
		return -1
	}

	return *options.Retries
}

/*
Validate checks the options before a session is created from them.
*/
func (options Options) Validate() error {
	val := valgo.Is(
		valgo.Int(int(options.Version), "version").Between(1, 2),
		valgo.String(options.Delimiter, "delimiter").Not().Empty(),
		valgo.Int64(int64(options.Timeout), "timeout").GreaterThan(0),
		valgo.Int64(int64(options.ConnectionTimeout), "connection_timeout").GreaterThan(0),
	)

	if options.Retries != nil {
		val = val.Is(valgo.Int(*options.Retries, "retries").GreaterOrEqualTo(0))
	}

	if !val.Valid() {
		return fmt.Errorf("invalid options: %w", val.Error())
	}

	return nil
}

/*
FromViper reads the options under key (for example "client" or "server"),
falling back to Default for anything unset. Timeouts are given in seconds.
Retries accepts an integer, or "unlimited" or a negative number for no limit.
*/
func FromViper(v *viper.Viper, key string) (Options, error) {
	options := Default()

	if v == nil {
		v = viper.GetViper()
	}

	path := func(name string) string {
		return key + "." + name
	}

	if v.IsSet(path("version")) {
		options.Version = jsonrpc.Version(v.GetInt(path("version")))
	}

	if v.IsSet(path("delimiter")) {
		options.Delimiter = v.GetString(path("delimiter"))
	}

	if v.IsSet(path("timeout")) {
		options.Timeout = seconds(v.GetFloat64(path("timeout")))
	}

	if v.IsSet(path("connection_timeout")) {
		options.ConnectionTimeout = seconds(v.GetFloat64(path("connection_timeout")))
	}

	if v.IsSet(path("retries")) {
		if strings.EqualFold(v.GetString(path("retries")), "unlimited") {
			options.Retries = nil
		} else if n := v.GetInt(path("retries")); n < 0 {
			options.Retries = nil
		} else {
			options.Retries = Retries(n)
		}
	}

	return options, options.Validate()
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
