package ingestion

import (
	"HalvingMassacre/internal/event"
	"fmt"
	"strings"
)

// Inbound is a parsed inbound message. Only the field matching Type is set.
type Inbound struct {
	Type   string
	Blocks []event.Block
	Zap    []byte // raw receipt, verified by the engine
	Create *event.CreateGame
	Start  *event.StartGame
	Close  *event.CloseGame
}

// ParseRawEvent converts a RawEvent into an Inbound of the given type.
// Zap receipts are passed through raw: the engine needs the exact bytes to
// record them and checks signatures itself.
func ParseRawEvent(raw RawEvent, eventType string) (*Inbound, error) {
	in := &Inbound{Type: eventType}
	var err error
	switch eventType {
	case TypeBlocks:
		in.Blocks, err = event.ParseBlocks(raw.Data)
	case TypeZap:
		if len(raw.Data) == 0 {
			return nil, fmt.Errorf("%w: empty zap receipt", event.ErrMalformed)
		}
		in.Zap = raw.Data
	case TypeCreateGame:
		in.Create, err = event.ParseCreateGame(raw.Data)
	case TypeStartGame:
		in.Start, err = event.ParseStartGame(raw.Data)
	case TypeCloseGame:
		in.Close, err = event.ParseCloseGame(raw.Data)
	default:
		return nil, fmt.Errorf("%w: inbound type %q", event.ErrUnknownType, eventType)
	}
	if err != nil {
		return nil, err
	}
	return in, nil
}

// SubjectTypes builds the subject-prefix to type lookup used by
// ResolveEventType. Subjects use the ">" wildcard, so the trailing ".>" is
// stripped and subjects are matched by prefix.
func SubjectTypes(subjects []SubjectConfig) map[string]string {
	m := make(map[string]string, len(subjects))
	for _, cfg := range subjects {
		m[strings.TrimSuffix(cfg.Subject, ".>")] = cfg.EventType
	}
	return m
}

// ResolveEventType finds the type of a subject by its longest matching
// prefix. Returns "" when nothing matches.
func ResolveEventType(subject string, prefixes map[string]string) string {
	bestMatch := ""
	bestType := ""
	for prefix, evtType := range prefixes {
		if subject != prefix && !strings.HasPrefix(subject, prefix+".") {
			continue
		}
		if len(prefix) > len(bestMatch) {
			bestMatch = prefix
			bestType = evtType
		}
	}
	return bestType
}
