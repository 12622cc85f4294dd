// Package wire implements the append-only tagged-union codec spec.md §9
// requires for TaskState, TaskResult and ActorKind: every record is encoded
// as a leading ordinal byte followed by a gob-encoded payload. Variants are
// only appended, so a reader built against a newer variant set decodes every
// record an older writer produced; a reader rejects ordinals past its own
// last known variant, except that DecodeTaskResult accepts them in
// forward-compat mode.
package wire

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/Sumatoshi-tech/crateminer/internal/errkind"
	"github.com/Sumatoshi-tech/crateminer/internal/model"
)

// taskStatePayload is the gob-serialized body of a model.TaskState.
type taskStatePayload struct {
	Errors []string
}

// EncodeTaskState writes a ordinal-tagged, gob-encoded TaskState.
func EncodeTaskState(s model.TaskState) ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteByte(byte(s.Phase))

	err := gob.NewEncoder(&buf).Encode(taskStatePayload{Errors: s.Errors})
	if err != nil {
		return nil, errkind.New(errkind.Persistence, fmt.Errorf("encode task state: %w", err))
	}

	return buf.Bytes(), nil
}

// DecodeTaskState reads an ordinal-tagged TaskState. An ordinal past the
// last known TaskPhase is rejected as Decode: appending a phase is safe for
// writers, but an old reader must not silently misinterpret it.
func DecodeTaskState(data []byte) (model.TaskState, error) {
	if len(data) == 0 {
		return model.TaskState{}, errkind.Newf(errkind.Decode, "empty task state")
	}

	phase := model.TaskPhase(data[0])
	if phase > model.Complete {
		return model.TaskState{}, errkind.Newf(errkind.Decode, "unknown task phase ordinal %d", data[0])
	}

	var payload taskStatePayload

	err := gob.NewDecoder(bytes.NewReader(data[1:])).Decode(&payload)
	if err != nil {
		return model.TaskState{}, errkind.New(errkind.Decode, fmt.Errorf("decode task state: %w", err))
	}

	return model.TaskState{Phase: phase, Errors: payload.Errors}, nil
}

// taskResultPayload is the gob-serialized body of a model.TaskResult,
// carrying every variant's fields; only the fields for Kind are populated.
type taskResultPayload struct {
	EntriesMetaData []model.TarHeader
	SelectedEntries []model.SelectedEntry
	DownloadKind    string
	URL             string
	ContentLength   uint32
	ContentType     *string
}

// EncodeTaskResult writes an ordinal-tagged, gob-encoded TaskResult.
func EncodeTaskResult(r model.TaskResult) ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteByte(byte(r.Kind))

	payload := taskResultPayload{
		EntriesMetaData: r.EntriesMetaData,
		SelectedEntries: r.SelectedEntries,
		DownloadKind:    r.DownloadKind,
		URL:             r.URL,
		ContentLength:   r.ContentLength,
		ContentType:     r.ContentType,
	}

	err := gob.NewEncoder(&buf).Encode(payload)
	if err != nil {
		return nil, errkind.New(errkind.Persistence, fmt.Errorf("encode task result: %w", err))
	}

	return buf.Bytes(), nil
}

// DecodeTaskResult reads an ordinal-tagged TaskResult, rejecting ordinals
// past the last known variant unless forwardCompat is set, in which case an
// unknown ordinal decodes to a ResultNone carrying no payload; the original
// bytes are not kept in the returned value.
func DecodeTaskResult(data []byte, forwardCompat bool) (model.TaskResult, error) {
	if len(data) == 0 {
		return model.TaskResult{}, errkind.Newf(errkind.Decode, "empty task result")
	}

	kind := model.TaskResultKind(data[0])
	if kind > model.ResultDownload {
		if forwardCompat {
			return model.TaskResult{Kind: model.ResultNone}, nil
		}

		return model.TaskResult{}, errkind.Newf(errkind.Decode, "unknown task result ordinal %d", data[0])
	}

	var payload taskResultPayload

	err := gob.NewDecoder(bytes.NewReader(data[1:])).Decode(&payload)
	if err != nil {
		return model.TaskResult{}, errkind.New(errkind.Decode, fmt.Errorf("decode task result: %w", err))
	}

	return model.TaskResult{
		Kind:            kind,
		EntriesMetaData: payload.EntriesMetaData,
		SelectedEntries: payload.SelectedEntries,
		DownloadKind:    payload.DownloadKind,
		URL:             payload.URL,
		ContentLength:   payload.ContentLength,
		ContentType:     payload.ContentType,
	}, nil
}

// EncodeActorKind writes a single-byte ordinal for an ActorKind.
func EncodeActorKind(k model.ActorKind) []byte {
	return []byte{byte(k)}
}

// DecodeActorKind reads a single-byte ActorKind ordinal.
func DecodeActorKind(data []byte) (model.ActorKind, error) {
	if len(data) != 1 {
		return 0, errkind.Newf(errkind.Decode, "actor kind must be one byte, got %d", len(data))
	}

	kind := model.ActorKind(data[0])
	if kind > model.Team {
		return 0, errkind.Newf(errkind.Decode, "unknown actor kind ordinal %d", data[0])
	}

	return kind, nil
}
