package capability

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ToolCard is the registry metadata of one tool a reasoning agent may call.
type ToolCard struct {
	Name         string                 `json:"name" yaml:"name"`
	Version      string                 `json:"version" yaml:"version"`
	Description  string                 `json:"description" yaml:"description"`
	Pack         string                 `json:"pack" yaml:"pack"`
	InputSchema  map[string]interface{} `json:"input_schema" yaml:"input_schema"`
	CostEstimate float64                `json:"cost_estimate" yaml:"cost_estimate"`
	SideEffects  []string               `json:"side_effects" yaml:"side_effects"`
	// Terminal tools end the calling agent's loop once they ran.
	Terminal  bool   `json:"terminal" yaml:"terminal"`
	Checksum  string `json:"checksum" yaml:"checksum"`
	Signature string `json:"signature" yaml:"signature"`
}

// Registry holds validated ToolCards keyed by tool name.
type Registry struct {
	tools map[string]ToolCard

	mu      sync.Mutex
	schemas map[string]*jsonschema.Schema
}

// ErrToolMissing indicates a required or requested tool is not registered.
var ErrToolMissing = fmt.Errorf("required tool missing")

// NewRegistry validates ToolCards and ensures required tools exist. When two
// cards share a name the higher version wins.
func NewRegistry(cards []ToolCard, signingSecret string, required []string) (*Registry, error) {
	reg := &Registry{tools: make(map[string]ToolCard), schemas: make(map[string]*jsonschema.Schema)}
	for _, tc := range cards {
		if strings.TrimSpace(tc.Name) == "" {
			return nil, fmt.Errorf("tool card without name")
		}
		if err := validateSignature(tc, signingSecret); err != nil {
			return nil, fmt.Errorf("tool %s@%s signature invalid: %w", tc.Name, tc.Version, err)
		}
		existing, ok := reg.tools[tc.Name]
		if !ok || versionGreater(tc.Version, existing.Version) {
			reg.tools[tc.Name] = tc
		}
	}
	for _, r := range required {
		if _, ok := reg.tools[r]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrToolMissing, r)
		}
	}
	return reg, nil
}

// Tool returns the ToolCard registered under name.
func (r *Registry) Tool(name string) (ToolCard, bool) {
	if r == nil {
		return ToolCard{}, false
	}
	tc, ok := r.tools[name]
	return tc, ok
}

// Cards returns every registered card ordered by name.
func (r *Registry) Cards() []ToolCard {
	if r == nil {
		return nil
	}
	out := make([]ToolCard, 0, len(r.tools))
	for _, tc := range r.tools {
		out = append(out, tc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ValidateArgs checks args against the tool's input schema. Cards without a
// schema accept anything.
func (r *Registry) ValidateArgs(name string, args map[string]interface{}) error {
	tc, ok := r.Tool(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrToolMissing, name)
	}
	if len(tc.InputSchema) == 0 {
		return nil
	}
	schema, err := r.inputSchema(tc)
	if err != nil {
		return err
	}
	var doc interface{} = map[string]interface{}{}
	if args != nil {
		raw, err := json.Marshal(args)
		if err != nil {
			return fmt.Errorf("encode args: %w", err)
		}
		if err := json.Unmarshal(raw, &doc); err != nil {
			return fmt.Errorf("decode args: %w", err)
		}
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("tool %s args do not match schema: %w", name, err)
	}
	return nil
}

func (r *Registry) inputSchema(tc ToolCard) (*jsonschema.Schema, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.schemas[tc.Name]; ok {
		return s, nil
	}
	raw, err := json.Marshal(tc.InputSchema)
	if err != nil {
		return nil, fmt.Errorf("encode schema of %s: %w", tc.Name, err)
	}
	url := tc.Name + ".input.json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("add schema resource %s: %w", tc.Name, err)
	}
	s, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema of %s: %w", tc.Name, err)
	}
	r.schemas[tc.Name] = s
	return s, nil
}

// ComputeChecksum returns a deterministic hash of the ToolCard payload (excluding signature field).
func ComputeChecksum(tc ToolCard) (string, error) {
	payload := map[string]interface{}{
		"name":          tc.Name,
		"version":       tc.Version,
		"description":   tc.Description,
		"pack":          tc.Pack,
		"input_schema":  tc.InputSchema,
		"cost_estimate": tc.CostEstimate,
		"side_effects":  tc.SideEffects,
		"terminal":      tc.Terminal,
	}
	normalized, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(normalized)
	return hex.EncodeToString(sum[:]), nil
}

// SignToolCard computes an HMAC signature using the signing secret.
func SignToolCard(tc ToolCard, secret string) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("signing secret is empty")
	}
	checksum, err := ComputeChecksum(tc)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(checksum))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Sign fills the checksum and signature of tc.
func Sign(tc ToolCard, secret string) (ToolCard, error) {
	checksum, err := ComputeChecksum(tc)
	if err != nil {
		return tc, err
	}
	tc.Checksum = checksum
	sig, err := SignToolCard(tc, secret)
	if err != nil {
		return tc, err
	}
	tc.Signature = sig
	return tc, nil
}

func validateSignature(tc ToolCard, secret string) error {
	if secret == "" {
		return nil
	}
	expected, err := SignToolCard(tc, secret)
	if err != nil {
		return err
	}
	if !hmac.Equal([]byte(expected), []byte(tc.Signature)) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}

func versionGreater(a, b string) bool {
	if a == b {
		return false
	}
	return compareVersions(splitVersion(a), splitVersion(b)) > 0
}

func splitVersion(v string) []int {
	parts := strings.Split(strings.TrimPrefix(v, "v"), ".")
	out := make([]int, len(parts))
	for i, p := range parts {
		fmt.Sscanf(p, "%d", &out[i])
	}
	return out
}

func compareVersions(a, b []int) int {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		ai, bi := 0, 0
		if i < len(a) {
			ai = a[i]
		}
		if i < len(b) {
			bi = b[i]
		}
		if ai > bi {
			return 1
		}
		if ai < bi {
			return -1
		}
	}
	return 0
}
