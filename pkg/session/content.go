package session

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Content is the payload of a message. It is one of PlainText, FileUpload or
// FileSummary, and its Type always matches the message type it is stored under.
type Content interface {
	Type() MessageType
	isContent()
}

// PlainText is free-form text.
type PlainText string

// FileUpload references a file the user uploaded.
type FileUpload struct {
	FileName string
	FileURL  string
}

// FileSummary references an uploaded file and carries its generated summary.
type FileSummary struct {
	FileName string
	FileURL  string
	Content  string
}

func (PlainText) Type() MessageType   { return TypeText }
func (FileUpload) Type() MessageType  { return TypePDFUpload }
func (FileSummary) Type() MessageType { return TypePDFSummary }

func (PlainText) isContent()   {}
func (FileUpload) isContent()  {}
func (FileSummary) isContent() {}

// Text wraps s as plain text content.
func Text(s string) Content { return PlainText(s) }

// Upload builds file-upload content.
func Upload(fileName, fileURL string) Content {
	return FileUpload{FileName: fileName, FileURL: fileURL}
}

// Summary builds file-summary content.
func Summary(fileName, fileURL, body string) Content {
	return FileSummary{FileName: fileName, FileURL: fileURL, Content: body}
}

// ParseContent classifies a raw string. A JSON object whose "type" is
// pdf_upload or pdf_summary becomes the matching file content, keeping only the
// recognized fields. Anything else, including malformed JSON, is plain text.
func ParseContent(raw string) Content {
	if !strings.HasPrefix(raw, "{") {
		return PlainText(raw)
	}

	var parsed struct {
		Type     MessageType     `json:"type"`
		FileName string          `json:"fileName"`
		FileURL  string          `json:"fileUrl"`
		Content  json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return PlainText(raw)
	}

	switch parsed.Type {
	case TypePDFUpload:
		return FileUpload{FileName: parsed.FileName, FileURL: parsed.FileURL}
	case TypePDFSummary:
		return FileSummary{FileName: parsed.FileName, FileURL: parsed.FileURL, Content: summaryBody(parsed.Content)}
	default:
		return PlainText(raw)
	}
}

// summaryBody returns a summary's text. Non-string JSON is kept as compact JSON
// text rather than dropped.
func summaryBody(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

// contentFromValue rebuilds Content from a decoded store value, which is a
// string for text and a map for file records.
func contentFromValue(t MessageType, v any) Content {
	switch val := v.(type) {
	case string:
		return PlainText(val)
	case map[string]any:
		name, _ := val["fileName"].(string)
		url, _ := val["fileUrl"].(string)
		if t == TypePDFSummary {
			var body string
			switch c := val["content"].(type) {
			case string:
				body = c
			case nil:
			default:
				if data, err := json.Marshal(c); err == nil {
					body = string(data)
				}
			}
			return FileSummary{FileName: name, FileURL: url, Content: body}
		}
		return FileUpload{FileName: name, FileURL: url}
	case fileRecord:
		if t == TypePDFSummary {
			return FileSummary{FileName: val.FileName, FileURL: val.FileURL, Content: val.Content}
		}
		return FileUpload{FileName: val.FileName, FileURL: val.FileURL}
	case nil:
		return PlainText("")
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return PlainText("")
		}
		return PlainText(string(data))
	}
}

// Render flattens content into prompt text.
func Render(c Content) string {
	switch v := c.(type) {
	case PlainText:
		return string(v)
	case FileUpload:
		return "Uploaded file " + v.FileName + " (" + v.FileURL + ")"
	case FileSummary:
		return v.Content
	default:
		return ""
	}
}
