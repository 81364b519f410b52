package openai

// ModelsResponse represents the response from /v1/models.
type ModelsResponse struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}

// Model is one listed model with its marked-up price per million tokens.
type Model struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	OwnedBy string        `json:"owned_by"`
	Pricing *ModelPricing `json:"pricing,omitempty"`
}

// ModelPricing holds USD prices per one million tokens, e.g. "$2.5125".
type ModelPricing struct {
	Input  string `json:"input"`
	Output string `json:"output"`
}

// NewModelsResponse creates a ModelsResponse with the given models.
func NewModelsResponse(models []Model) ModelsResponse {
	return ModelsResponse{
		Object: "list",
		Data:   models,
	}
}

// NewModel creates a Model instance.
func NewModel(id, ownedBy string, created int64) Model {
	return Model{
		ID:      id,
		Object:  "model",
		Created: created,
		OwnedBy: ownedBy,
	}
}
