package image

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/textract"
	"github.com/aws/aws-sdk-go-v2/service/textract/types"

	"github.com/feichai0017/document-context/internal/agent/document"
	"github.com/feichai0017/document-context/pkg/logger"
)

// TextractAPI is the subset of the Textract client used here.
type TextractAPI interface {
	DetectDocumentText(ctx context.Context, params *textract.DetectDocumentTextInput, optFns ...func(*textract.Options)) (*textract.DetectDocumentTextOutput, error)
}

type TextractConfig struct {
	Region    string
	AccessKey string
	SecretKey string
}

// TextractEngine runs OCR through AWS Textract.
type TextractEngine struct {
	client TextractAPI
	logger logger.Logger
}

func NewTextractEngine(ctx context.Context, cfg TextractConfig, log logger.Logger) (*TextractEngine, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to load AWS config: %w", err)
	}
	return NewTextractEngineWithClient(textract.NewFromConfig(awsCfg), log), nil
}

func NewTextractEngineWithClient(client TextractAPI, log logger.Logger) *TextractEngine {
	return &TextractEngine{client: client, logger: log}
}

// Recognize joins LINE blocks above the confidence floor. The whitelist is
// applied after recognition since Textract has no equivalent setting.
func (e *TextractEngine) Recognize(ctx context.Context, img []byte, opts document.OCROptions) (document.OCRResult, error) {
	out, err := e.client.DetectDocumentText(ctx, &textract.DetectDocumentTextInput{
		Document: &types.Document{Bytes: img},
	})
	if err != nil {
		return document.OCRResult{}, fmt.Errorf("failed to detect document text: %w", err)
	}

	var lines []string
	var total float64
	for _, b := range out.Blocks {
		if b.BlockType != types.BlockTypeLine || b.Text == nil {
			continue
		}
		conf := float64(aws.ToFloat32(b.Confidence))
		if conf < opts.MinConfidence {
			continue
		}
		lines = append(lines, FilterWhitelist(aws.ToString(b.Text), opts.Whitelist))
		total += conf
	}
	if len(lines) == 0 {
		return document.OCRResult{}, nil
	}

	e.logger.Debug("Textract recognized lines", logger.Int("lines", len(lines)))
	return document.OCRResult{
		Text:       strings.Join(lines, "\n"),
		Confidence: total / float64(len(lines)) / 100,
	}, nil
}

// FilterWhitelist drops runes outside whitelist. Whitespace is always kept.
func FilterWhitelist(s, whitelist string) string {
	if whitelist == "" {
		return s
	}
	return strings.Map(func(r rune) rune {
		if r == ' ' || r == '\t' || r == '\n' || strings.ContainsRune(whitelist, r) {
			return r
		}
		return -1
	}, s)
}
