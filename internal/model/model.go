// Package model holds the supervisor's domain entities: devices, tags,
// write requests, alarms, schedules and history entries, together with the
// dynamically shaped Value union that tag readings are expressed in.
package model

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// Protocol selects the Modbus framing used to reach a device.
type Protocol string

const (
	ProtocolTCP Protocol = "tcp"
	ProtocolUDP Protocol = "udp"
	ProtocolRTU Protocol = "rtu"
)

func ParseProtocol(s string) (Protocol, error) {
	switch Protocol(s) {
	case ProtocolTCP, ProtocolUDP, ProtocolRTU:
		return Protocol(s), nil
	}
	return "", fmt.Errorf("invalid protocol %q", s)
}

// WordOrder is the ordering of 16-bit words in multi-register values.
type WordOrder string

const (
	WordOrderBig    WordOrder = "big"
	WordOrderLittle WordOrder = "little"
)

func ParseWordOrder(s string) (WordOrder, error) {
	switch WordOrder(s) {
	case WordOrderBig, WordOrderLittle:
		return WordOrder(s), nil
	}
	return "", fmt.Errorf("invalid word order %q", s)
}

// Channel is one of the four Modbus address spaces.
type Channel string

const (
	ChannelCoil            Channel = "coil"
	ChannelDiscreteInput   Channel = "di"
	ChannelHoldingRegister Channel = "hr"
	ChannelInputRegister   Channel = "ir"
)

func ParseChannel(s string) (Channel, error) {
	switch Channel(s) {
	case ChannelCoil, ChannelDiscreteInput, ChannelHoldingRegister, ChannelInputRegister:
		return Channel(s), nil
	}
	return "", fmt.Errorf("invalid channel %q", s)
}

// Writable reports whether the channel accepts Modbus writes. Discrete
// inputs and input registers are read-only address spaces.
func (c Channel) Writable() bool {
	return c == ChannelCoil || c == ChannelHoldingRegister
}

// Bit reports whether the channel carries coil/discrete bits rather than
// 16-bit registers.
func (c Channel) Bit() bool {
	return c == ChannelCoil || c == ChannelDiscreteInput
}

// DataType is the typed interpretation of a tag's raw registers or bits.
type DataType string

const (
	TypeBool    DataType = "bool"
	TypeInt16   DataType = "int16"
	TypeUint16  DataType = "uint16"
	TypeInt32   DataType = "int32"
	TypeUint32  DataType = "uint32"
	TypeInt64   DataType = "int64"
	TypeUint64  DataType = "uint64"
	TypeFloat32 DataType = "float32"
	TypeFloat64 DataType = "float64"
	TypeString  DataType = "string"
)

func ParseDataType(s string) (DataType, error) {
	switch DataType(s) {
	case TypeBool, TypeInt16, TypeUint16, TypeInt32, TypeUint32,
		TypeInt64, TypeUint64, TypeFloat32, TypeFloat64, TypeString:
		return DataType(s), nil
	}
	return "", fmt.Errorf("invalid data type %q", s)
}

// Words is the register width of a single element of this type.
// Bit-channel types and string have no fixed per-element width.
func (t DataType) Words() int {
	switch t {
	case TypeInt32, TypeUint32, TypeFloat32:
		return 2
	case TypeInt64, TypeUint64, TypeFloat64:
		return 4
	default:
		return 1
	}
}

// Operator is an alarm trigger comparison.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
)

func ParseOperator(s string) (Operator, error) {
	switch Operator(s) {
	case OpEquals, OpGreaterThan, OpLessThan:
		return Operator(s), nil
	}
	return "", fmt.Errorf("invalid operator %q", s)
}

// ThreatLevel ranks alarm severity.
type ThreatLevel string

const (
	ThreatLow      ThreatLevel = "low"
	ThreatHigh     ThreatLevel = "high"
	ThreatCritical ThreatLevel = "crit"
)

func ParseThreatLevel(s string) (ThreatLevel, error) {
	switch ThreatLevel(s) {
	case ThreatLow, ThreatHigh, ThreatCritical:
		return ThreatLevel(s), nil
	}
	return "", fmt.Errorf("invalid threat level %q", s)
}

// Priority returns the numeric rank used to pick the winning alarm config.
func (t ThreatLevel) Priority() int {
	switch t {
	case ThreatLow:
		return 1
	case ThreatHigh:
		return 2
	case ThreatCritical:
		return 3
	}
	return 0
}

// Device is a single PLC reachable over Modbus.
type Device struct {
	ID        int64     `json:"-"`
	Alias     string    `json:"alias"`
	Host      string    `json:"host"`
	Port      int       `json:"port"`
	Protocol  Protocol  `json:"protocol"`
	WordOrder WordOrder `json:"word_order"`
	Active    bool      `json:"is_active"`
}

// Tag is a logical data point mapped to a Modbus address on a device.
type Tag struct {
	ID         int64     `json:"-"`
	DeviceID   int64     `json:"-"`
	ExternalID uuid.UUID `json:"external_id"`

	Alias       string `json:"alias"`
	Description string `json:"description,omitempty"`

	Channel  Channel  `json:"channel"`
	DataType DataType `json:"data_type"`
	Address  uint16   `json:"address"`
	UnitID   uint8    `json:"unit_id"`

	ReadAmount int `json:"read_amount"`

	HistoryInterval  time.Duration `json:"-"`
	HistoryRetention time.Duration `json:"-"`
	LastHistoryAt    *time.Time    `json:"-"`

	CurrentValue Value      `json:"current_value"`
	LastUpdated  *time.Time `json:"last_updated,omitempty"`

	Active bool `json:"is_active"`
}

// ReadCount derives the number of registers (or bits) a single Modbus read
// of this tag must request.
func (t *Tag) ReadCount() (int, error) {
	if t.ReadAmount < 1 {
		return 0, fmt.Errorf("tag %s: read_amount must be >= 1", t.Alias)
	}
	switch t.DataType {
	case TypeBool, TypeInt16, TypeUint16:
		return t.ReadAmount, nil
	case TypeInt32, TypeUint32, TypeFloat32:
		return 2 * t.ReadAmount, nil
	case TypeInt64, TypeUint64, TypeFloat64:
		return 4 * t.ReadAmount, nil
	case TypeString:
		return int(math.Ceil(float64(t.ReadAmount) / 2)), nil
	}
	return 0, fmt.Errorf("tag %s: unknown data type %q", t.Alias, t.DataType)
}

// Writable reports whether write requests may target this tag.
func (t *Tag) Writable() bool { return t.Channel.Writable() }

// WriteRequest is a queued operator write, drained by the poll engine on
// the next cycle that reaches the tag's device.
type WriteRequest struct {
	ID         int64
	TagID      int64
	Value      Value
	EnqueuedAt time.Time
	Processed  bool
	Error      string

	// Tag is populated on drain queries so the engine can encode the
	// value without a second lookup.
	Tag *Tag
}

// AlarmConfig maps a tag value predicate to a human-readable alarm.
type AlarmConfig struct {
	ID           int64       `json:"-"`
	TagID        int64       `json:"-"`
	Alias        string      `json:"alias"`
	TriggerValue Value       `json:"trigger_value"`
	Operator     Operator    `json:"operator"`
	ThreatLevel  ThreatLevel `json:"threat_level"`
	Message      string      `json:"message"`
	Enabled      bool        `json:"enabled"`

	NotificationCooldown time.Duration `json:"-"`
	LastNotified         *time.Time    `json:"-"`
}

// Triggered evaluates the config's predicate against a sampled value.
// Comparisons across incompatible value kinds never trigger.
func (c *AlarmConfig) Triggered(v Value) bool {
	switch c.Operator {
	case OpEquals:
		return v.Equal(c.TriggerValue)
	case OpGreaterThan:
		ok, comparable := v.Greater(c.TriggerValue)
		return comparable && ok
	case OpLessThan:
		ok, comparable := v.Less(c.TriggerValue)
		return comparable && ok
	}
	return false
}

// ShouldNotify reports whether the config's cooldown window has elapsed.
func (c *AlarmConfig) ShouldNotify(now time.Time) bool {
	return c.LastNotified == nil || now.Sub(*c.LastNotified) > c.NotificationCooldown
}

// ActivatedAlarm records that a tag's value matched an alarm config. At
// most one activation per tag is active at any instant.
type ActivatedAlarm struct {
	ID          int64
	ConfigID    int64
	TagID       int64 // denormalized from the config on load
	ActivatedAt time.Time
	Active      bool
}

// Subscription routes alarm notifications for one config to a recipient.
type Subscription struct {
	ID           int64  `json:"id"`
	ConfigID     int64  `json:"config_id"`
	Email        string `json:"email,omitempty"`
	Phone        string `json:"phone,omitempty"`
	EmailEnabled bool   `json:"email_enabled"`
	SMSEnabled   bool   `json:"sms_enabled"`
}

// Schedule injects a write request at a time of day on enabled weekdays.
// Days is indexed Monday=0 through Sunday=6.
type Schedule struct {
	ID         int64      `json:"id"`
	TagID      int64      `json:"-"`
	Alias      string     `json:"alias"`
	WriteValue Value      `json:"write_value"`
	Hour       int        `json:"hour"`
	Minute     int        `json:"minute"`
	Days       []bool     `json:"days"`
	Enabled    bool       `json:"enabled"`
	CreatedAt  time.Time  `json:"created_at"`
	LastRun    *time.Time `json:"last_run,omitempty"`
}

// HistoryEntry is one sampled point of a tag's value history.
type HistoryEntry struct {
	ID        int64     `json:"-"`
	TagID     int64     `json:"-"`
	Timestamp time.Time `json:"timestamp"`
	Value     Value     `json:"value"`
}
