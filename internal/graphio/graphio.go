// Package graphio loads graph and campaign definition files.
//
// A file holds JSON or YAML. Each document is a graph (it has "data" with
// nodes and edges), a campaign (it has "levels"), or a bundle with "graphs"
// and "campaigns" lists. YAML files may contain several documents.
package graphio

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// ErrUnknownDocument is returned for documents that are neither a graph, a
// campaign nor a bundle.
var ErrUnknownDocument = errors.New("document is not a graph, campaign or bundle")

// Bundle is the set of definitions read from one or more files.
type Bundle struct {
	Graphs    []*models.FlowGraph
	Campaigns []*models.Campaign
}

// Target receives imported definitions. store.Store implements it.
type Target interface {
	PutGraph(ctx context.Context, g *models.FlowGraph) error
	PutCampaign(ctx context.Context, c *models.Campaign) error
}

// LoadFiles reads every path into one bundle.
func LoadFiles(paths ...string) (*Bundle, error) {
	b := &Bundle{}
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", p, err)
		}
		err = b.read(f, isYAML(p))
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}
	return b, nil
}

// Load reads definitions from r. YAML is accepted unless the content is
// known to be JSON; JSON documents are valid YAML anyway.
func Load(r io.Reader) (*Bundle, error) {
	b := &Bundle{}
	if err := b.read(r, true); err != nil {
		return nil, err
	}
	return b, nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func (b *Bundle) read(r io.Reader, yamlStream bool) error {
	if !yamlStream {
		raw, err := io.ReadAll(r)
		if err != nil {
			return err
		}
		return b.addDocument(raw)
	}

	dec := yaml.NewDecoder(r)
	for i := 0; ; i++ {
		var doc any
		err := dec.Decode(&doc)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("document %d: %w", i, err)
		}
		if doc == nil {
			continue
		}
		raw, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("document %d: %w", i, err)
		}
		if err := b.addDocument(raw); err != nil {
			return fmt.Errorf("document %d: %w", i, err)
		}
	}
}

type probe struct {
	Data      json.RawMessage   `json:"data"`
	Levels    json.RawMessage   `json:"levels"`
	Graphs    []json.RawMessage `json:"graphs"`
	Campaigns []json.RawMessage `json:"campaigns"`
}

func (b *Bundle) addDocument(raw []byte) error {
	var p probe
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("failed to decode document: %w", err)
	}
	switch {
	case p.Graphs != nil || p.Campaigns != nil:
		for _, g := range p.Graphs {
			if err := b.addGraph(g); err != nil {
				return err
			}
		}
		for _, c := range p.Campaigns {
			if err := b.addCampaign(c); err != nil {
				return err
			}
		}
		return nil
	case p.Data != nil:
		return b.addGraph(raw)
	case p.Levels != nil:
		return b.addCampaign(raw)
	}
	return ErrUnknownDocument
}

func (b *Bundle) addGraph(raw []byte) error {
	g, err := models.ParseGraph(raw)
	if err != nil {
		return err
	}
	b.Graphs = append(b.Graphs, g)
	return nil
}

func (b *Bundle) addCampaign(raw []byte) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var c models.Campaign
	if err := dec.Decode(&c); err != nil {
		return fmt.Errorf("failed to decode campaign: %w", err)
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if err := c.Validate(); err != nil {
		return fmt.Errorf("campaign %s: %w", c.ID, err)
	}
	b.Campaigns = append(b.Campaigns, &c)
	return nil
}

// Check verifies that every campaign level refers to a level graph in the
// bundle or in known.
func (b *Bundle) Check(known func(id string) (models.GraphKind, bool)) error {
	kinds := make(map[string]models.GraphKind, len(b.Graphs))
	for _, g := range b.Graphs {
		kinds[g.ID] = g.Kind
	}
	for _, c := range b.Campaigns {
		for _, id := range c.Levels {
			kind, ok := kinds[id]
			if !ok && known != nil {
				kind, ok = known(id)
			}
			if !ok {
				return fmt.Errorf("campaign %s: level %s: %w", c.ID, id, models.ErrNotFound)
			}
			if kind != models.GraphKindLevel {
				return fmt.Errorf("campaign %s: graph %s is a %s graph, not a level", c.ID, id, kind)
			}
		}
	}
	return nil
}

// Import stores graphs before campaigns so that campaigns never name a
// level that is not stored yet.
func Import(ctx context.Context, t Target, b *Bundle) error {
	for _, g := range b.Graphs {
		if err := t.PutGraph(ctx, g); err != nil {
			return fmt.Errorf("failed to store graph %s: %w", g.ID, err)
		}
		slog.Info("graphio.Import: stored graph", "graph", g.ID, "kind", g.Kind, "nodes", len(g.Nodes))
	}
	for _, c := range b.Campaigns {
		if err := t.PutCampaign(ctx, c); err != nil {
			return fmt.Errorf("failed to store campaign %s: %w", c.ID, err)
		}
		slog.Info("graphio.Import: stored campaign", "campaign", c.ID, "levels", len(c.Levels))
	}
	return nil
}
