package llm

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"

	"github.com/ppiankov/pepref/internal/model"
)

// BPE ranks ship embedded in the loader module, so encoding never
// touches the network.
func init() {
	tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
}

var (
	encMu     sync.Mutex
	encodings = make(map[string]*tiktoken.Tiktoken)
)

// encodingFor returns a cached encoder, or nil when the model is unknown
// or the BPE ranks cannot be loaded.
func encodingFor(modelName string) *tiktoken.Tiktoken {
	encMu.Lock()
	defer encMu.Unlock()

	if tkm, ok := encodings[modelName]; ok {
		return tkm
	}
	tkm, err := tiktoken.EncodingForModel(modelName)
	if err != nil {
		tkm = nil
	}
	encodings[modelName] = tkm
	return tkm
}

// CountTokens counts tokens for modelName, falling back to EstimateTokens
func CountTokens(modelName, text string) int {
	if text == "" {
		return 0
	}
	if tkm := encodingFor(modelName); tkm != nil {
		return len(tkm.Encode(text, nil, nil))
	}
	return EstimateTokens(text)
}

// EstimateTokens approximates token count as one token per four characters
func EstimateTokens(text string) int {
	n := len(text)
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}

// EstimateCost prices a call from a per-1K-token table. Unknown models cost 0.
func EstimateCost(pricing map[string]model.Price, modelName string, promptTokens, completionTokens int) float64 {
	price, ok := lookupPrice(pricing, modelName)
	if !ok {
		return 0
	}
	return float64(promptTokens)/1000*price.PromptPer1K +
		float64(completionTokens)/1000*price.CompletionPer1K
}

// lookupPrice matches exactly, then by longest prefix ("gpt-4o-mini-2024-07-18" -> "gpt-4o-mini")
func lookupPrice(pricing map[string]model.Price, modelName string) (model.Price, bool) {
	if p, ok := pricing[modelName]; ok {
		return p, true
	}
	best := ""
	for name := range pricing {
		if strings.HasPrefix(modelName, name) && len(name) > len(best) {
			best = name
		}
	}
	if best == "" {
		return model.Price{}, false
	}
	return pricing[best], true
}

// UsageFor builds a usage record for one response. Missing token counts are
// filled in locally.
func UsageFor(provider string, req CompletionRequest, resp *CompletionResponse, pricing map[string]model.Price) model.Usage {
	modelName := resp.Model
	if modelName == "" {
		modelName = req.Model
	}
	prompt := resp.PromptTokens
	if prompt == 0 {
		prompt = CountTokens(modelName, req.System+"\n"+req.Prompt)
	}
	completion := resp.CompletionTokens
	if completion == 0 {
		completion = CountTokens(modelName, resp.Text)
	}
	return model.Usage{
		Provider:         provider,
		Model:            modelName,
		PromptTokens:     prompt,
		CompletionTokens: completion,
		CostUSD:          EstimateCost(pricing, modelName, prompt, completion),
	}
}
