package simulator

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"cpsim/ocpp/core"
	"cpsim/utility"
)

// Token sets accepted for boolean configuration values, matched
// case-insensitively.
var (
	trueTokens  = []string{"true", "1", "yes"}
	falseTokens = []string{"false", "0", "no"}
)

type configType int

const (
	configTypeInt configType = iota
	configTypeBool
)

type keySpec struct {
	kind         configType
	defaultValue string
}

// The set of known OCPP configuration keys is fixed. Requests for anything
// else report the name back as unknown, never as an error.
var knownConfigKeys = map[string]keySpec{
	"HeartbeatInterval":         {configTypeInt, "120"},
	"ConnectionTimeOut":         {configTypeInt, "60"},
	"MeterValuesSampleInterval": {configTypeInt, "30"},
	"ClockAlignedDataInterval":  {configTypeInt, "0"},
	"AuthorizeRemoteTxRequests": {configTypeBool, "false"},
	"LocalAuthListEnabled":      {configTypeBool, "false"},
	"OCPPAuthorizationEnabled":  {configTypeBool, "true"},
}

// ConfigStore is the typed per-charger configuration registry. Accepted
// changes are pushed to the persist hook in the background; a failed
// persist is logged by the hook owner and never rolls back the value.
type ConfigStore struct {
	mux     sync.Mutex
	values  map[string]string
	persist func(key, value string)
}

func NewConfigStore() *ConfigStore {
	values := make(map[string]string, len(knownConfigKeys))
	for key, spec := range knownConfigKeys {
		values[key] = spec.defaultValue
	}
	return &ConfigStore{values: values}
}

func (s *ConfigStore) SetPersistHook(persist func(key, value string)) {
	s.persist = persist
}

// Values returns a copy of the current key/value map.
func (s *ConfigStore) Values() map[string]string {
	s.mux.Lock()
	defer s.mux.Unlock()
	values := make(map[string]string, len(s.values))
	for key, value := range s.values {
		values[key] = value
	}
	return values
}

// ApplyStored seeds values loaded from the database, skipping anything
// unknown or unparseable.
func (s *ConfigStore) ApplyStored(stored map[string]string) {
	for key, value := range stored {
		spec, ok := knownConfigKeys[key]
		if !ok {
			continue
		}
		if _, ok = parseConfigValue(spec.kind, value); !ok {
			continue
		}
		s.mux.Lock()
		s.values[key] = value
		s.mux.Unlock()
	}
}

// Get returns the matching configuration entries. With no names requested,
// every known key is returned. Unknown requested names come back in the
// second slice.
func (s *ConfigStore) Get(names []string) ([]core.ConfigurationKey, []string) {
	s.mux.Lock()
	defer s.mux.Unlock()

	var unknown []string
	var keys []string
	if len(names) == 0 {
		for key := range knownConfigKeys {
			keys = append(keys, key)
		}
	} else {
		for _, name := range names {
			if _, ok := knownConfigKeys[name]; ok {
				keys = append(keys, name)
			} else {
				unknown = append(unknown, name)
			}
		}
	}

	entries := make([]core.ConfigurationKey, 0, len(keys))
	for _, key := range keys {
		value := s.values[key]
		entries = append(entries, core.ConfigurationKey{Key: key, Readonly: false, Value: &value})
	}
	return entries, unknown
}

// Set follows the ChangeConfiguration contract: unknown key NotSupported,
// type parse failure Rejected, otherwise the in-memory value is updated and
// Accepted returned immediately while persistence runs fire-and-forget.
func (s *ConfigStore) Set(key, value string) core.ConfigurationStatus {
	spec, ok := knownConfigKeys[key]
	if !ok {
		return core.ConfigurationStatusNotSupported
	}
	canonical, ok := parseConfigValue(spec.kind, value)
	if !ok {
		return core.ConfigurationStatusRejected
	}
	s.mux.Lock()
	s.values[key] = canonical
	s.mux.Unlock()
	if s.persist != nil {
		go s.persist(key, canonical)
	}
	return core.ConfigurationStatusAccepted
}

func parseConfigValue(kind configType, value string) (string, bool) {
	switch kind {
	case configTypeInt:
		parsed, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return "", false
		}
		return strconv.Itoa(parsed), true
	case configTypeBool:
		token := strings.ToLower(strings.TrimSpace(value))
		if utility.Contains(trueTokens, token) {
			return "true", true
		}
		if utility.Contains(falseTokens, token) {
			return "false", true
		}
		return "", false
	}
	return "", false
}

func (s *ConfigStore) intValue(key string) int {
	s.mux.Lock()
	value := s.values[key]
	s.mux.Unlock()
	parsed, err := strconv.Atoi(value)
	if err != nil {
		parsed, _ = strconv.Atoi(knownConfigKeys[key].defaultValue)
	}
	return parsed
}

func (s *ConfigStore) boolValue(key string) bool {
	s.mux.Lock()
	value := s.values[key]
	s.mux.Unlock()
	return value == "true"
}

func (s *ConfigStore) HeartbeatInterval() time.Duration {
	interval := s.intValue("HeartbeatInterval")
	if interval <= 0 {
		interval = 120
	}
	return time.Duration(interval) * time.Second
}

func (s *ConfigStore) MeterInterval() time.Duration {
	interval := s.intValue("MeterValuesSampleInterval")
	if interval <= 0 {
		interval = 30
	}
	return time.Duration(interval) * time.Second
}

// AuthorizationEnabled gates whether Authorize is sent before
// StartTransaction.
func (s *ConfigStore) AuthorizationEnabled() bool {
	return s.boolValue("OCPPAuthorizationEnabled")
}
