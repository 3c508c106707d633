package extraction

import (
	"context"
	"fmt"
	"strings"

	vision "cloud.google.com/go/vision/v2/apiv1"
	"cloud.google.com/go/vision/v2/apiv1/visionpb"
	"github.com/rs/zerolog"

	"docflow/internal/logger"
)

// VisionExtractor implements Extractor on Google Cloud Vision text
// detection. It is synchronous only and derives fields from "Label: value"
// lines of the recognized text.
type VisionExtractor struct {
	client *vision.ImageAnnotatorClient
	log    zerolog.Logger
}

// NewVisionExtractor creates a Vision client using explicit credentials when
// given and application default credentials otherwise.
func NewVisionExtractor(ctx context.Context, credJSON, credFile string) (*VisionExtractor, error) {
	const op = "NewVisionExtractor"

	client, err := vision.NewImageAnnotatorClient(ctx, credentialOptions(credJSON, credFile)...)
	if err != nil {
		return nil, WrapExtractionError(op, ErrMissingCredentials, fmt.Sprintf("create Vision client: %v", err))
	}
	return &VisionExtractor{
		client: client,
		log:    logger.WithComponent("vision"),
	}, nil
}

// Submit runs text detection and returns the result immediately. Images
// reachable through a signed URL are fetched by the service itself; PDF
// and TIFF sources are sent inline or by gs:// reference.
func (v *VisionExtractor) Submit(ctx context.Context, doc Document) (*Submission, error) {
	var (
		text       string
		confidence float32
		err        error
	)
	if strings.HasPrefix(doc.MimeType, "image/") && doc.AccessURL != "" {
		text, confidence, err = v.annotateImage(ctx, doc)
	} else {
		text, confidence, err = v.annotateFile(ctx, doc)
	}
	if err != nil {
		return nil, err
	}

	fields := labeledFields(text)
	fields["text"] = text
	return &Submission{Result: &Result{Fields: fields, Confidence: confidence}}, nil
}

func (v *VisionExtractor) annotateImage(ctx context.Context, doc Document) (string, float32, error) {
	const op = "AnnotateImage"

	req := &visionpb.BatchAnnotateImagesRequest{
		Requests: []*visionpb.AnnotateImageRequest{
			{
				Image: &visionpb.Image{
					Source: &visionpb.ImageSource{ImageUri: doc.AccessURL},
				},
				Features: textFeatures(doc.ModelID),
			},
		},
	}
	resp, err := v.client.BatchAnnotateImages(ctx, req)
	if err != nil {
		return "", 0, fromRPC(op, err)
	}
	if len(resp.GetResponses()) == 0 {
		return "", 0, WrapExtractionError(op, ErrProcessingFailed, "no response from Vision API")
	}
	return pageText([]*visionpb.AnnotateImageResponse{resp.GetResponses()[0]})
}

func (v *VisionExtractor) annotateFile(ctx context.Context, doc Document) (string, float32, error) {
	const op = "AnnotateFile"

	input := &visionpb.InputConfig{MimeType: doc.MimeType}
	switch {
	case strings.HasPrefix(doc.StorageURI, "gs://"):
		input.GcsSource = &visionpb.GcsSource{Uri: doc.StorageURI}
	case doc.Load != nil:
		content, err := doc.Load(ctx)
		if err != nil {
			return "", 0, WrapExtractionError(op, err, "failed to read source document")
		}
		if len(content) > MaxDocumentSizeBytes {
			return "", 0, WrapExtractionError(op, ErrDocumentTooLarge, fmt.Sprintf("file size: %d bytes", len(content)))
		}
		input.Content = content
	default:
		return "", 0, WrapExtractionError(op, ErrUnsupportedSource, "no readable source")
	}

	fileReq := &visionpb.AnnotateFileRequest{
		InputConfig: input,
		Features:    textFeatures(doc.ModelID),
	}

	resp, err := v.client.BatchAnnotateFiles(ctx, &visionpb.BatchAnnotateFilesRequest{
		Requests: []*visionpb.AnnotateFileRequest{fileReq},
	})
	if err != nil {
		return "", 0, fromRPC(op, err)
	}
	if len(resp.GetResponses()) == 0 {
		return "", 0, WrapExtractionError(op, ErrProcessingFailed, "no response from Vision API")
	}
	fileResp := resp.GetResponses()[0]
	if fileResp.GetError() != nil {
		return "", 0, WrapExtractionError(op, ErrProcessingFailed, fileResp.GetError().GetMessage())
	}
	return pageText(fileResp.GetResponses())
}

func pageText(pages []*visionpb.AnnotateImageResponse) (string, float32, error) {
	var text strings.Builder
	var confidenceSum float32
	var confidenceCount int

	for i, page := range pages {
		if page.GetError() != nil {
			return "", 0, WrapExtractionError("pageText", ErrInvalidDocument, page.GetError().GetMessage())
		}
		annotation := page.GetFullTextAnnotation()
		if annotation == nil {
			continue
		}
		if i > 0 {
			text.WriteString("\n")
		}
		text.WriteString(annotation.GetText())
		for _, p := range annotation.GetPages() {
			if p.GetConfidence() > 0 {
				confidenceSum += p.GetConfidence()
				confidenceCount++
			}
		}
	}

	if strings.TrimSpace(text.String()) == "" {
		return "", 0, WrapExtractionError("pageText", ErrInvalidDocument, "document contains no readable text")
	}
	var confidence float32
	if confidenceCount > 0 {
		confidence = confidenceSum / float32(confidenceCount)
	}
	return text.String(), confidence, nil
}

func textFeatures(modelID string) []*visionpb.Feature {
	return []*visionpb.Feature{
		{Type: visionpb.Feature_DOCUMENT_TEXT_DETECTION, Model: modelID},
	}
}

// labeledFields picks "Label: value" lines out of recognized text. The
// first line carrying a label wins.
func labeledFields(text string) map[string]string {
	fields := make(map[string]string)
	for _, line := range strings.Split(text, "\n") {
		label, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key := normalizeFieldName(label)
		value = strings.TrimSpace(value)
		if key == "" || value == "" || len(key) > 40 {
			continue
		}
		if _, exists := fields[key]; !exists {
			fields[key] = value
		}
	}
	return fields
}

// Poll is not supported; Vision text detection is synchronous.
func (v *VisionExtractor) Poll(_ context.Context, operationID string) (*PollResult, error) {
	return nil, WrapExtractionError("Poll", ErrUnknownOperation, operationID)
}

// Close closes the underlying Vision client.
func (v *VisionExtractor) Close() error {
	if v.client != nil {
		return v.client.Close()
	}
	return nil
}
