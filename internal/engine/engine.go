package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"finchat/internal/config"
)

// Request carries one query into the engine. UserID and History are
// optional context; the engine ignores what it does not need.
type Request struct {
	Query          string
	ConversationID int64
	UserID         int64
	History        []HistoryEntry
}

// HistoryEntry is a prior message projected to role and content.
type HistoryEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Result is the structured engine response. Understanding is auxiliary
// diagnostic data and may contain set-typed values that need normalization
// before JSON transmission.
type Result struct {
	Response      string
	Intent        string
	Confidence    float64
	Data          map[string]any
	ChartType     string
	Understanding map[string]any
}

type memoryEntry struct {
	Query  string
	Intent string
	At     time.Time
}

type intentRule struct {
	name      string
	keywords  []string
	chartType string
	template  string
}

// maxMemoryPerConversation bounds the per-conversation memory the engine
// accumulates across exchanges.
const maxMemoryPerConversation = 50

const systemPrompt = "You are a personal finance assistant. Answer the " +
	"user's question about their spending, budgets and savings concisely. " +
	"Use the conversation history for context. Plain text only."

var financeCategories = []string{
	"rent", "food", "groceries", "transport", "utilities", "entertainment",
	"savings", "insurance", "travel", "health", "subscriptions",
}

var intentRules = []intentRule{
	{
		name:      "spending_summary",
		keywords:  []string{"spent", "spending", "expenses", "how much", "cost"},
		chartType: "bar",
		template:  "Here is a summary of your recent spending.",
	},
	{
		name:      "budget_status",
		keywords:  []string{"budget", "limit", "remaining", "left over"},
		chartType: "pie",
		template:  "Here is where you stand against your budgets.",
	},
	{
		name:     "savings_advice",
		keywords: []string{"save", "saving", "savings", "cut back", "reduce"},
		template: "Based on your recent activity, here are some ways you could save.",
	},
	{
		name:     "transaction_search",
		keywords: []string{"transaction", "transactions", "payment", "paid", "purchases"},
		template: "These are the transactions that match your question.",
	},
	{
		name:     "greeting",
		keywords: []string{"hello", "hi", "hey", "thanks", "thank you"},
		template: "Hello! Ask me anything about your finances.",
	},
}

// Engine interprets natural-language finance queries. Construction is
// expensive (model client setup); one instance is shared by all requests
// through the Registry. Internal memory and cache are guarded by a mutex.
type Engine struct {
	chatModel model.ToolCallingChatModel
	log       *zap.Logger

	mu      sync.Mutex
	memory  map[int64][]memoryEntry
	cache   map[string]*Result
	context map[string]any
}

// New builds the engine from service configuration. An empty provider
// yields a rule-only engine; an unknown or misconfigured provider is a
// construction failure.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		log:     logger,
		memory:  make(map[int64][]memoryEntry),
		cache:   make(map[string]*Result),
		context: map[string]any{"known_categories": stringSet(financeCategories)},
	}

	provider := strings.TrimSpace(cfg.Engine.Provider)
	if provider == "" {
		return e, nil
	}
	provCfg, ok := cfg.Providers[provider]
	if !ok {
		return nil, fmt.Errorf("provider %s not configured", provider)
	}
	modelName := cfg.Engine.Model
	if modelName == "" {
		modelName = provCfg.Model
	}

	var (
		chatModel model.ToolCallingChatModel
		err       error
	)
	switch provider {
	case "openai":
		chatModel, err = openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: provCfg.BaseURL,
			Model:   modelName,
			APIKey:  provCfg.APIKey,
		})
	case "gemini":
		var client *genai.Client
		client, err = genai.NewClient(ctx, &genai.ClientConfig{
			APIKey: provCfg.APIKey,
		})
		if err == nil {
			chatModel, err = gemini.NewChatModel(ctx, &gemini.Config{
				Client: client,
				Model:  modelName,
			})
		}
	case "claude":
		var baseURLPtr *string
		if provCfg.BaseURL != "" {
			baseURLPtr = &provCfg.BaseURL
		}
		chatModel, err = claude.NewChatModel(ctx, &claude.Config{
			APIKey:    provCfg.APIKey,
			Model:     modelName,
			BaseURL:   baseURLPtr,
			MaxTokens: 3000,
		})
	default:
		return nil, fmt.Errorf("unknown provider: %s", provider)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s chat model: %w", provider, err)
	}
	e.chatModel = chatModel
	return e, nil
}

// Process interprets a query and returns a structured response. Repeated
// identical queries are served from the response cache.
func (e *Engine) Process(ctx context.Context, req Request) (*Result, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, errors.New("query cannot be empty")
	}

	key := cacheKey(query)
	e.mu.Lock()
	if cached, ok := e.cache[key]; ok {
		res := cached.clone()
		e.mu.Unlock()
		e.remember(req.ConversationID, query, res.Intent)
		return res, nil
	}
	e.mu.Unlock()

	intent, confidence, matched, chartType, template := classify(query)
	entities := extractEntities(query)

	understanding := map[string]any{
		"intent":     intent,
		"confidence": confidence,
	}
	if len(matched) > 0 {
		understanding["matched_keywords"] = matched
	}
	if len(entities) > 0 {
		understanding["entities"] = entities
	}

	response := template
	if e.chatModel != nil {
		generated, err := e.generate(ctx, query, req.History)
		if err != nil {
			e.log.Warn("model generation failed, using rule response",
				zap.Int64("conversation_id", req.ConversationID),
				zap.Error(err))
		} else if generated != "" {
			response = generated
		}
	}

	var data map[string]any
	if chartType != "" && len(entities) > 0 {
		data = map[string]any{"categories": sortedKeys(entities)}
	}

	res := &Result{
		Response:      response,
		Intent:        intent,
		Confidence:    confidence,
		Data:          data,
		ChartType:     chartType,
		Understanding: understanding,
	}

	e.mu.Lock()
	e.cache[key] = res.clone()
	e.context["last_intent"] = intent
	e.context["last_conversation_id"] = req.ConversationID
	e.mu.Unlock()
	e.remember(req.ConversationID, query, intent)

	return res, nil
}

// Reset clears the engine's conversational memory.
func (e *Engine) Reset() {
	e.mu.Lock()
	e.memory = make(map[int64][]memoryEntry)
	delete(e.context, "last_intent")
	delete(e.context, "last_conversation_id")
	e.mu.Unlock()
}

// Context returns a copy of the engine's introspection context.
func (e *Engine) Context() map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]any, len(e.context))
	for k, v := range e.context {
		out[k] = v
	}
	return out
}

// MemorySize reports the number of conversations with stored memory.
func (e *Engine) MemorySize() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.memory)
}

// CacheSize reports the number of cached query responses.
func (e *Engine) CacheSize() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.cache)
}

func (e *Engine) generate(ctx context.Context, query string, history []HistoryEntry) (string, error) {
	messages := make([]*schema.Message, 0, len(history)+2)
	messages = append(messages, &schema.Message{Role: schema.System, Content: systemPrompt})
	for _, h := range history {
		role := schema.User
		if h.Role == "assistant" {
			role = schema.Assistant
		}
		messages = append(messages, &schema.Message{Role: role, Content: h.Content})
	}
	messages = append(messages, &schema.Message{Role: schema.User, Content: query})

	resp, err := e.chatModel.Generate(ctx, messages)
	if err != nil {
		return "", fmt.Errorf("generate response: %w", err)
	}
	return resp.Content, nil
}

func (e *Engine) remember(conversationID int64, query, intent string) {
	e.mu.Lock()
	entries := append(e.memory[conversationID], memoryEntry{Query: query, Intent: intent, At: time.Now().UTC()})
	if len(entries) > maxMemoryPerConversation {
		entries = entries[len(entries)-maxMemoryPerConversation:]
	}
	e.memory[conversationID] = entries
	e.mu.Unlock()
}

func classify(query string) (intent string, confidence float64, matched map[string]struct{}, chartType, template string) {
	lower := strings.ToLower(query)
	best := -1
	var bestRule intentRule
	var bestMatched map[string]struct{}
	for _, rule := range intentRules {
		hits := make(map[string]struct{})
		for _, kw := range rule.keywords {
			if strings.Contains(lower, kw) {
				hits[kw] = struct{}{}
			}
		}
		if len(hits) > best && len(hits) > 0 {
			best = len(hits)
			bestRule = rule
			bestMatched = hits
		}
	}
	if best < 0 {
		return "unknown", 0.3, nil, "", "I'm not sure I understood that. Could you rephrase your question about your finances?"
	}
	confidence = 0.4 + 0.15*float64(best)
	if confidence > 0.95 {
		confidence = 0.95
	}
	return bestRule.name, confidence, bestMatched, bestRule.chartType, bestRule.template
}

func extractEntities(query string) map[string]struct{} {
	lower := strings.ToLower(query)
	found := make(map[string]struct{})
	for _, cat := range financeCategories {
		if strings.Contains(lower, cat) {
			found[cat] = struct{}{}
		}
	}
	if len(found) == 0 {
		return nil
	}
	return found
}

func (r *Result) clone() *Result {
	out := *r
	if r.Data != nil {
		out.Data = make(map[string]any, len(r.Data))
		for k, v := range r.Data {
			out.Data[k] = v
		}
	}
	if r.Understanding != nil {
		out.Understanding = make(map[string]any, len(r.Understanding))
		for k, v := range r.Understanding {
			out.Understanding[k] = v
		}
	}
	return &out
}

func cacheKey(query string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(query)))
	return hex.EncodeToString(sum[:])
}

func stringSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, item := range items {
		set[item] = struct{}{}
	}
	return set
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
