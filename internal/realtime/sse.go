package realtime

import "strings"

// Event is one dispatched server-sent event.
type Event struct {
	Type string
	Data string
}

// eventParser assembles line-oriented event-stream framing into events.
// "event:" sets the type, "data:" lines accumulate, a blank line
// dispatches, and lines starting with ":" are heartbeats.
type eventParser struct {
	typ  string
	data []string
}

// feed consumes one line (without its terminator) and returns an event
// when the line completes one.
func (p *eventParser) feed(line string) (Event, bool) {
	line = strings.TrimSuffix(line, "\r")

	if line == "" {
		defer p.reset()

		if len(p.data) == 0 {
			return Event{}, false
		}

		return Event{Type: p.typ, Data: strings.Join(p.data, "\n")}, true
	}

	if strings.HasPrefix(line, ":") {
		return Event{}, false
	}

	field, value, _ := strings.Cut(line, ":")
	value = strings.TrimPrefix(value, " ")

	switch field {
	case "event":
		p.typ = value
	case "data":
		p.data = append(p.data, value)
	}

	return Event{}, false
}

func (p *eventParser) reset() {
	p.typ = ""
	p.data = p.data[:0]
}
