package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cbeuw/mplex/internal/multiplex"
	"github.com/cbeuw/mplex/internal/sizeprefix"

	log "github.com/sirupsen/logrus"
)

// a rate no connection reaches, for a direction left unlimited while the other one isn't
const unlimitedRate = 1 << 40

// Config is how a crawler sets up the mplex sessions it opens to the peers it visits
type Config struct {
	// ProtocolID is announced after the multistream header. Defaults to /mplex/6.7.0
	ProtocolID string // jsonOptional
	// AwaitHeader makes sessions wait for the peer's own protocol header before decoding messages
	AwaitHeader bool // jsonOptional
	// StreamIDSeed is the id after which locally opened streams are numbered. Defaults to 1000
	StreamIDSeed uint64 // jsonOptional
	// Framing is the size prefix the transport below cuts the connection with: one of single,
	// two, four, varint or varlong. Empty if the connection is an unframed byte stream
	Framing string // jsonOptional
	// MaxMessageSize is the largest payload put in a single message. Defaults to 1MiB
	MaxMessageSize int // jsonOptional
	// ReceiveBufferSize is the size of reads from the connection. Defaults to 20480
	ReceiveBufferSize int // jsonOptional
	// InactivityTimeout is the duration, in seconds, a session with no streams stays open.
	// Zero, the default, keeps sessions open for as long as their connections
	InactivityTimeout int // jsonOptional
	// RxRate and TxRate limit the bytes per second received from and sent to a peer. Zero
	// leaves the direction unlimited
	RxRate int64 // jsonOptional
	TxRate int64 // jsonOptional
	// Verbosity is a logrus level name. Defaults to info
	Verbosity string // jsonOptional
}

// semi-colon separated value. This is for passing options on a single command line
func ssvToJson(ssv string) (ret []byte) {
	elem := func(val string, lst []string) bool {
		for _, v := range lst {
			if val == v {
				return true
			}
		}
		return false
	}
	unescape := func(s string) string {
		r := strings.Replace(s, `\\`, `\`, -1)
		r = strings.Replace(r, `\=`, `=`, -1)
		r = strings.Replace(r, `\;`, `;`, -1)
		return r
	}
	unquoted := []string{"AwaitHeader", "StreamIDSeed", "MaxMessageSize", "ReceiveBufferSize", "InactivityTimeout", "RxRate", "TxRate"}
	lines := strings.Split(unescape(ssv), ";")
	ret = []byte("{")
	for _, ln := range lines {
		if ln == "" {
			break
		}
		sp := strings.SplitN(ln, "=", 2)
		if len(sp) < 2 {
			log.Errorf("Malformed config option: %v", ln)
			continue
		}
		key := sp[0]
		value := sp[1]
		// JSON doesn't like quotation marks around int and bool
		if elem(key, unquoted) {
			ret = append(ret, []byte(`"`+key+`":`+value+`,`)...)
		} else {
			ret = append(ret, []byte(`"`+key+`":"`+value+`",`)...)
		}
	}
	if len(ret) > 1 {
		ret = ret[:len(ret)-1] // remove the last comma
	}
	ret = append(ret, '}')
	return ret
}

// ParseConfig reads conf as a semicolon separated list of key=value pairs if it looks like one,
// or as the path to a JSON file otherwise
func ParseConfig(conf string) (raw *Config, err error) {
	var content []byte
	// Checking if it's a path to json or a ssv string
	if strings.Contains(conf, ";") && strings.Contains(conf, "=") {
		content = ssvToJson(conf)
	} else {
		content, err = os.ReadFile(conf)
		if err != nil {
			return
		}
	}

	raw = new(Config)
	err = json.Unmarshal(content, &raw)
	if err != nil {
		return nil, err
	}
	return
}

// Process validates the config and turns it into what a session is made with
func (raw *Config) Process() (sesh multiplex.SessionConfig, err error) {
	sesh.ProtocolID = raw.ProtocolID
	if sesh.ProtocolID != "" && !strings.HasPrefix(sesh.ProtocolID, "/") {
		err = fmt.Errorf("ProtocolID %q must start with a slash", raw.ProtocolID)
		return
	}
	sesh.AwaitHeader = raw.AwaitHeader
	sesh.StreamIDSeed = raw.StreamIDSeed

	if raw.Framing != "" {
		var kind sizeprefix.Kind
		kind, err = sizeprefix.ParseKind(raw.Framing)
		if err != nil {
			err = fmt.Errorf("Framing: %w", err)
			return
		}
		sesh.Framing = &kind
	}

	if raw.MaxMessageSize < 0 {
		err = errors.New("MaxMessageSize cannot be negative")
		return
	}
	sesh.MaxMessageSize = raw.MaxMessageSize
	if raw.ReceiveBufferSize < 0 {
		err = errors.New("ReceiveBufferSize cannot be negative")
		return
	}
	sesh.ReceiveBufferSize = raw.ReceiveBufferSize

	if raw.InactivityTimeout < 0 {
		err = errors.New("InactivityTimeout cannot be negative")
		return
	}
	sesh.InactivityTimeout = time.Duration(raw.InactivityTimeout) * time.Second

	if raw.RxRate < 0 || raw.TxRate < 0 {
		err = errors.New("rates cannot be negative")
		return
	}
	if raw.RxRate > 0 || raw.TxRate > 0 {
		rx, tx := raw.RxRate, raw.TxRate
		if rx == 0 {
			rx = unlimitedRate
		}
		if tx == 0 {
			tx = unlimitedRate
		}
		sesh.Valve = multiplex.MakeValve(rx, tx)
	}
	return
}

// LogLevel is the logrus level named by Verbosity
func (raw *Config) LogLevel() (log.Level, error) {
	if raw.Verbosity == "" {
		return log.InfoLevel, nil
	}
	return log.ParseLevel(raw.Verbosity)
}
