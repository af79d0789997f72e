package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
)

// ErrMalformed is returned when a response body cannot be decoded into
// protocol messages.
var ErrMalformed = errors.New("malformed shape response")

type wireHeaders struct {
	Operation Operation `json:"operation,omitempty"`
	Control   string    `json:"control,omitempty"`
	TxIDs     []flexInt `json:"txids,omitempty"`
	Xmin      *flexInt  `json:"xmin,omitempty"`
	Xmax      *flexInt  `json:"xmax,omitempty"`
	XipList   []flexInt `json:"xip_list,omitempty"`
}

type wireMessage struct {
	Headers wireHeaders `json:"headers"`
	Key     *Key        `json:"key,omitempty"`
	Value   Row         `json:"value,omitempty"`
	Offset  string      `json:"offset,omitempty"`
}

// flexInt accepts both JSON numbers and decimal strings. Transaction IDs are
// 64 bit and servers quote them to keep JavaScript clients lossless.
type flexInt int64

func (f *flexInt) UnmarshalJSON(data []byte) error {
	data = bytes.Trim(data, `"`)
	v, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("parse integer %q: %w", data, err)
	}
	*f = flexInt(v)
	return nil
}

func (f flexInt) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(strconv.FormatInt(int64(f), 10))), nil
}

// Decode reads a JSON array of messages. Any decoding failure is reported
// as ErrMalformed.
func Decode(r io.Reader) ([]Message, error) {
	var wire []wireMessage

	decoder := json.NewDecoder(r)
	decoder.UseNumber()
	if err := decoder.Decode(&wire); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: decode body: %v", ErrMalformed, err)
	}

	messages := make([]Message, 0, len(wire))
	for i, w := range wire {
		msg, err := fromWire(w)
		if err != nil {
			return nil, fmt.Errorf("%w: message %d: %v", ErrMalformed, i, err)
		}
		messages = append(messages, msg)
	}

	return messages, nil
}

// DecodeBytes is a convenience wrapper around Decode.
func DecodeBytes(data []byte) ([]Message, error) {
	return Decode(bytes.NewReader(data))
}

func fromWire(w wireMessage) (Message, error) {
	if w.Headers.Control != "" {
		if w.Headers.Operation != "" {
			return nil, errors.New("message has both an operation and a control header")
		}

		control, err := ParseControl(w.Headers.Control)
		if err != nil {
			return nil, err
		}

		msg := ControlMessage{Control: control}
		if control == SnapshotEnd && w.Headers.Xmin != nil && w.Headers.Xmax != nil {
			msg.Visibility = &Visibility{
				Xmin:       TxID(*w.Headers.Xmin),
				Xmax:       TxID(*w.Headers.Xmax),
				InProgress: toTxIDs(w.Headers.XipList),
			}
		}

		return msg, nil
	}

	if err := w.Headers.Operation.Validate(); err != nil {
		return nil, err
	}

	if w.Key == nil {
		return nil, errors.New("data message without key")
	}

	if w.Offset == "" {
		return nil, errors.New("data message without offset")
	}

	offset, err := ParseOffset(w.Offset)
	if err != nil {
		return nil, err
	}

	if offset.IsSentinel() {
		return nil, fmt.Errorf("data message with sentinel offset %q", w.Offset)
	}

	return DataMessage{
		Operation: w.Headers.Operation,
		Key:       *w.Key,
		Value:     normalizeRow(w.Value),
		Offset:    offset,
		TxIDs:     toTxIDs(w.Headers.TxIDs),
	}, nil
}

func toTxIDs(in []flexInt) []TxID {
	if len(in) == 0 {
		return nil
	}

	out := make([]TxID, len(in))
	for i, v := range in {
		out[i] = TxID(v)
	}
	return out
}

// normalizeRow converts json.Number values into int64 or float64 so that rows
// compare naturally.
func normalizeRow(row Row) Row {
	for column, value := range row {
		number, ok := value.(json.Number)
		if !ok {
			continue
		}

		if i, err := number.Int64(); err == nil {
			row[column] = i
		} else if f, err := number.Float64(); err == nil {
			row[column] = f
		} else {
			row[column] = number.String()
		}
	}
	return row
}

// Encode renders messages in their wire format.
func Encode(messages []Message) ([]byte, error) {
	wire := make([]wireMessage, 0, len(messages))

	for _, m := range messages {
		switch msg := m.(type) {
		case DataMessage:
			key := msg.Key
			w := wireMessage{
				Headers: wireHeaders{Operation: msg.Operation},
				Key:     &key,
				Value:   msg.Value,
				Offset:  msg.Offset.String(),
			}
			for _, id := range msg.TxIDs {
				w.Headers.TxIDs = append(w.Headers.TxIDs, flexInt(id))
			}
			wire = append(wire, w)
		case ControlMessage:
			w := wireMessage{Headers: wireHeaders{Control: msg.Control.String()}}
			if v := msg.Visibility; v != nil {
				xmin, xmax := flexInt(v.Xmin), flexInt(v.Xmax)
				w.Headers.Xmin, w.Headers.Xmax = &xmin, &xmax
				for _, id := range v.InProgress {
					w.Headers.XipList = append(w.Headers.XipList, flexInt(id))
				}
			}
			wire = append(wire, w)
		default:
			return nil, fmt.Errorf("cannot encode message of type %T", m)
		}
	}

	return json.Marshal(wire)
}
