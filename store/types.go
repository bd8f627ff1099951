package store

import (
	"cmp"
	"fmt"
	"strconv"
	"strings"
)

// Sequence is the authoritative ordering token of an event: the block it was
// emitted in and its log index inside that block.
type Sequence struct {
	Block    uint64
	LogIndex uint64
}

func (s Sequence) Compare(o Sequence) int {
	if c := cmp.Compare(s.Block, o.Block); c != 0 {
		return c
	}
	return cmp.Compare(s.LogIndex, o.LogIndex)
}

func (s Sequence) Less(o Sequence) bool {
	return s.Compare(o) < 0
}

func (s Sequence) IsZero() bool {
	return s == Sequence{}
}

func (s Sequence) String() string {
	return fmt.Sprintf("%d:%d", s.Block, s.LogIndex)
}

func (s Sequence) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Sequence) UnmarshalText(b []byte) error {
	seq, err := ParseSequence(string(b))
	if err != nil {
		return err
	}
	*s = seq
	return nil
}

// ParseSequence accepts "block:logIndex" or a bare "block".
func ParseSequence(s string) (Sequence, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Sequence{}, nil
	}

	blockStr, indexStr, hasIndex := strings.Cut(s, ":")

	block, err := strconv.ParseUint(blockStr, 10, 64)
	if err != nil {
		return Sequence{}, fmt.Errorf("invalid sequence block %q: %w", s, err)
	}

	var index uint64
	if hasIndex {
		index, err = strconv.ParseUint(indexStr, 10, 64)
		if err != nil {
			return Sequence{}, fmt.Errorf("invalid sequence log index %q: %w", s, err)
		}
	}

	return Sequence{Block: block, LogIndex: index}, nil
}

type Kind byte

const (
	_ Kind = iota
	Added
	Removed
)

func (k Kind) Valid() bool {
	return k == Added || k == Removed
}

func (k Kind) String() string {
	switch k {
	case Added:
		return "Added"
	case Removed:
		return "Removed"
	}
	return "Unknown"
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	*k = ToKind(string(b))
	return nil
}

// ToKind maps both the short names and the contract event names onto a Kind.
// Anything else yields the invalid zero Kind.
func ToKind(s string) Kind {
	switch strings.TrimSpace(s) {
	case "Added", "LogCharityAdded":
		return Added
	case "Removed", "LogCharityRemoved":
		return Removed
	}
	return 0
}

// EventRecord is one entry of the add/remove log.
type EventRecord struct {
	Key      string            `json:"key"`
	Kind     Kind              `json:"kind"`
	Payload  map[string]string `json:"payload,omitempty"`
	Sequence Sequence          `json:"sequence"`
}

// ActiveEntity is a member of the projected active set.
type ActiveEntity struct {
	Key     string            `json:"key"`
	Payload map[string]string `json:"payload,omitempty"`
	AddedAt Sequence          `json:"addedAt"`
}

// Change is what a successful commit hands to subscribers.
type Change struct {
	Snapshot *Snapshot
	Changed  []string
}

// Publisher receives every committed Change.
type Publisher interface {
	Publish(Change)
}
