package embedding

import (
	"context"
	"encoding/json"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"github.com/contextmesh/contextmesh/pkg/apperrors"
)

// BedrockProvider generates embeddings via Amazon Bedrock Titan models.
// Titan accepts one text per invocation, so batches fan out to sequential
// calls; the batcher above keeps batches small.
type BedrockProvider struct {
	client *bedrockruntime.Client
}

// NewBedrockProvider creates a Bedrock embedding provider using the
// default AWS credential chain
func NewBedrockProvider(ctx context.Context, region string) (*BedrockProvider, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "load aws config", err)
	}
	return &BedrockProvider{client: bedrockruntime.NewFromConfig(cfg)}, nil
}

func (p *BedrockProvider) Name() string { return "bedrock" }

type titanEmbedRequest struct {
	InputText string `json:"inputText"`
}

type titanEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// GenerateEmbeddings embeds each text with one InvokeModel call
func (p *BedrockProvider) GenerateEmbeddings(ctx context.Context, texts []string, model string) ([][]float32, error) {
	if model == "" {
		model = "amazon.titan-embed-text-v2:0"
	}

	embeddings := make([][]float32, len(texts))
	for i, text := range texts {
		body, err := json.Marshal(titanEmbedRequest{InputText: text})
		if err != nil {
			return nil, apperrors.Wrap(apperrors.KindInternal, "marshal titan request", err)
		}

		out, err := p.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
			ModelId:     aws.String(model),
			ContentType: aws.String("application/json"),
			Body:        body,
		})
		if err != nil {
			return nil, apperrors.Wrap(apperrors.KindUnavailable, "bedrock invoke failed", err)
		}

		var parsed titanEmbedResponse
		if err := json.Unmarshal(out.Body, &parsed); err != nil {
			return nil, apperrors.Wrap(apperrors.KindInternal, "unmarshal titan response", err)
		}
		if len(parsed.Embedding) == 0 {
			return nil, apperrors.Internal("no embedding in bedrock response")
		}
		embeddings[i] = parsed.Embedding
	}
	return embeddings, nil
}
