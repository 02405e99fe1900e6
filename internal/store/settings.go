package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/nikira-studio/lifequery/internal/errors"
)

// SecretSentinel is what sensitive values serialize to on the wire. Writes of
// the sentinel are discarded so a round-tripped settings form never clobbers
// a stored secret.
const SecretSentinel = "****"

// SettingType declares the coercion applied on read.
type SettingType string

const (
	// TypeString is an uncoerced string setting
	TypeString SettingType = "string"
	// TypeInt is an integer setting
	TypeInt SettingType = "int"
	// TypeFloat is a float setting
	TypeFloat SettingType = "float"
	// TypeBool is a boolean setting
	TypeBool SettingType = "bool"
)

// SettingDef declares one key of the settings schema.
type SettingDef struct {
	Type      SettingType
	Default   string
	Sensitive bool
}

// DefaultSystemPrompt is the template used when the user has not customized
// the system prompt. The placeholders are substituted by the orchestrator.
const DefaultSystemPrompt = `You are a personal memory assistant for {user_name}. Today is {current_date}.
Answer questions using the conversation excerpts below. Cite dates and chat names when relevant.
If the excerpts do not contain the answer, say so.

{context_text}`

// SettingsSchema is the full typed schema of the config table.
var SettingsSchema = map[string]SettingDef{
	"llm_provider":         {Type: TypeString, Default: "ollama"},
	"llm_model":            {Type: TypeString, Default: "llama3.1"},
	"llm_base_url":         {Type: TypeString, Default: "http://localhost:11434"},
	"llm_api_key":          {Type: TypeString, Sensitive: true},
	"embedding_base_url":   {Type: TypeString, Default: "http://localhost:11434/v1"},
	"embedding_model":      {Type: TypeString, Default: "nomic-embed-text"},
	"embedding_api_key":    {Type: TypeString, Sensitive: true},
	"system_prompt":        {Type: TypeString, Default: DefaultSystemPrompt},
	"user_name":            {Type: TypeString},
	"rag_enabled":          {Type: TypeBool, Default: "true"},
	"rag_top_k":            {Type: TypeInt, Default: "20"},
	"context_token_cap":    {Type: TypeInt, Default: "4000"},
	"chunk_target_tokens":  {Type: TypeInt, Default: "300"},
	"chunk_max_tokens":     {Type: TypeInt, Default: "500"},
	"chunk_overlap_tokens": {Type: TypeInt, Default: "50"},
	"noise_keywords":       {Type: TypeString},
	"fetch_batch_size":     {Type: TypeInt, Default: "200"},
	"fetch_batch_delay_ms": {Type: TypeInt, Default: "500"},
	"embed_batch_size":     {Type: TypeInt, Default: "64"},
	"auto_sync_interval":   {Type: TypeInt, Default: "0"},
	"temperature":          {Type: TypeFloat, Default: "0.7"},
	"max_tokens":           {Type: TypeInt, Default: "2048"},
	"enable_thinking":      {Type: TypeBool, Default: "false"},
	"api_key":              {Type: TypeString, Sensitive: true},
	"telegram_bridge_url":  {Type: TypeString},
}

// Settings is an immutable typed snapshot of the config table. Operations
// read one snapshot at start and never observe mid-run changes.
type Settings struct {
	LLMProvider        string
	LLMModel           string
	LLMBaseURL         string
	LLMAPIKey          string
	EmbeddingBaseURL   string
	EmbeddingModel     string
	EmbeddingAPIKey    string
	SystemPrompt       string
	UserName           string
	RAGEnabled         bool
	RAGTopK            int
	ContextTokenCap    int
	ChunkTargetTokens  int
	ChunkMaxTokens     int
	ChunkOverlapTokens int
	NoiseKeywords      []string
	FetchBatchSize     int
	FetchBatchDelayMS  int
	EmbedBatchSize     int
	AutoSyncInterval   int
	Temperature        float64
	MaxTokens          int
	EnableThinking     bool
	APIKey             string
	TelegramBridgeURL  string
}

// ReadSetting returns the raw stored value of a key, falling back to the
// schema default. Unknown keys are an error.
func (s *Store) ReadSetting(ctx context.Context, key string) (string, error) {
	def, ok := SettingsSchema[key]
	if !ok {
		return "", errors.Validation(fmt.Sprintf("unknown setting key: %s", key))
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM config WHERE key = ?`, key).Scan(&value)
	if err != nil {
		return def.Default, nil
	}
	return value, nil
}

// WriteSetting validates, coerces and stores one key atomically. Sentinel
// writes to sensitive keys are discarded; non-sensitive writes replace
// unconditionally.
func (s *Store) WriteSetting(ctx context.Context, key, value string) error {
	def, ok := SettingsSchema[key]
	if !ok {
		return errors.Validation(fmt.Sprintf("unknown setting key: %s", key))
	}
	if def.Sensitive && value == SecretSentinel {
		return nil
	}
	if err := checkType(def.Type, value); err != nil {
		return errors.Validation(fmt.Sprintf("setting %s: %v", key, err))
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO config (key, value) VALUES (?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
		return err
	})
}

func checkType(t SettingType, value string) error {
	switch t {
	case TypeInt:
		if _, err := strconv.Atoi(value); err != nil {
			return fmt.Errorf("expected int, got %q", value)
		}
	case TypeFloat:
		if _, err := strconv.ParseFloat(value, 64); err != nil {
			return fmt.Errorf("expected float, got %q", value)
		}
	case TypeBool:
		switch strings.ToLower(value) {
		case "true", "false", "1", "0":
		default:
			return fmt.Errorf("expected bool, got %q", value)
		}
	}
	return nil
}

// AllSettings returns every schema key with its effective value. Sensitive
// keys carrying a non-empty value are masked with the sentinel.
func (s *Store) AllSettings(ctx context.Context) (map[string]string, error) {
	stored, err := s.readAll(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(SettingsSchema))
	for key, def := range SettingsSchema {
		value, ok := stored[key]
		if !ok {
			value = def.Default
		}
		if def.Sensitive && value != "" {
			value = SecretSentinel
		}
		out[key] = value
	}
	return out, nil
}

func (s *Store) readAll(ctx context.Context) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM config`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

// Snapshot reads the whole settings table once and returns the typed view.
func (s *Store) Snapshot(ctx context.Context) (*Settings, error) {
	stored, err := s.readAll(ctx)
	if err != nil {
		return nil, err
	}
	get := func(key string) string {
		if v, ok := stored[key]; ok {
			return v
		}
		return SettingsSchema[key].Default
	}
	getInt := func(key string) int {
		n, err := strconv.Atoi(get(key))
		if err != nil {
			n, _ = strconv.Atoi(SettingsSchema[key].Default)
		}
		return n
	}
	getFloat := func(key string) float64 {
		f, err := strconv.ParseFloat(get(key), 64)
		if err != nil {
			f, _ = strconv.ParseFloat(SettingsSchema[key].Default, 64)
		}
		return f
	}
	getBool := func(key string) bool {
		v := strings.ToLower(get(key))
		return v == "true" || v == "1"
	}

	return &Settings{
		LLMProvider:        get("llm_provider"),
		LLMModel:           get("llm_model"),
		LLMBaseURL:         get("llm_base_url"),
		LLMAPIKey:          get("llm_api_key"),
		EmbeddingBaseURL:   get("embedding_base_url"),
		EmbeddingModel:     get("embedding_model"),
		EmbeddingAPIKey:    get("embedding_api_key"),
		SystemPrompt:       get("system_prompt"),
		UserName:           get("user_name"),
		RAGEnabled:         getBool("rag_enabled"),
		RAGTopK:            getInt("rag_top_k"),
		ContextTokenCap:    getInt("context_token_cap"),
		ChunkTargetTokens:  getInt("chunk_target_tokens"),
		ChunkMaxTokens:     getInt("chunk_max_tokens"),
		ChunkOverlapTokens: getInt("chunk_overlap_tokens"),
		NoiseKeywords:      splitKeywords(get("noise_keywords")),
		FetchBatchSize:     getInt("fetch_batch_size"),
		FetchBatchDelayMS:  getInt("fetch_batch_delay_ms"),
		EmbedBatchSize:     getInt("embed_batch_size"),
		AutoSyncInterval:   getInt("auto_sync_interval"),
		Temperature:        getFloat("temperature"),
		MaxTokens:          getInt("max_tokens"),
		EnableThinking:     getBool("enable_thinking"),
		APIKey:             get("api_key"),
		TelegramBridgeURL:  get("telegram_bridge_url"),
	}, nil
}

func splitKeywords(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if kw := strings.TrimSpace(p); kw != "" {
			out = append(out, kw)
		}
	}
	return out
}
