package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/establishment/storesync/internal/dispatch"
	"github.com/establishment/storesync/internal/domain"
	"github.com/establishment/storesync/internal/journal"
	"github.com/establishment/storesync/internal/metrics"
	"github.com/establishment/storesync/internal/store"
)

func openJournal() (*journal.Journal, error) {
	j, err := journal.Open(cfg.Server.DB, journal.Options{
		Reducers:         domain.Reducers(),
		StreamOf:         domain.StreamFor,
		CorrelationField: cfg.Dispatch.CorrelationField,
		Logger:           logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	return j, nil
}

// newReplica builds the domain stores and a dispatcher over them.
func newReplica(source dispatch.StreamSource, m *metrics.Metrics) (*domain.Stores, *dispatch.Dispatcher, error) {
	stores, err := domain.NewStores(domain.Options{
		Logger:           logger,
		CorrelationField: cfg.Dispatch.CorrelationField,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create stores: %w", err)
	}
	d, err := dispatch.New(stores.Registry, dispatch.Options{
		Logger:       logger,
		Metrics:      m,
		Source:       source,
		BufferSize:   cfg.Dispatch.BufferSize,
		DedupeWindow: cfg.Dispatch.DedupeWindow,
	})
	if err != nil {
		stores.Close()
		return nil, nil, fmt.Errorf("failed to create dispatcher: %w", err)
	}
	return stores, d, nil
}

func openInput(path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	return os.Open(path)
}

// readState reads a state file. Both a bare {"Type": [...]} map and a full
// payload with "state" and "events" keys are accepted.
func readState(path string) (*dispatch.Payload, error) {
	r, err := openInput(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open state: %w", err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read state: %w", err)
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("failed to parse state: %w", err)
	}
	_, hasState := probe["state"]
	_, hasEvents := probe["events"]
	if hasState || hasEvents {
		return dispatch.DecodePayload(bytes.NewReader(data))
	}
	var state dispatch.State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to parse state: %w", err)
	}
	return &dispatch.Payload{State: state}, nil
}

// snapshot returns the loaded objects of the named types, or all types.
func snapshot(stores *domain.Stores, types []string) dispatch.State {
	out := make(dispatch.State)
	for _, s := range stores.Registry.Stores() {
		if len(types) > 0 && !contains(types, s.Name()) {
			continue
		}
		objects := make([]store.Fields, 0, s.Len())
		for _, e := range s.All() {
			objects = append(objects, e.Fields())
		}
		out[s.Name()] = objects
	}
	return out
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
