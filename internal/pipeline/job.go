package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/beetlebugorg/geoingest/internal/filehost"
	"github.com/beetlebugorg/geoingest/internal/source"
)

// Message is one delivery from the job queue.
type Message struct {
	Body          []byte
	ReplyTo       string
	CorrelationID string
	RoutingKey    string

	// Ack settles the delivery. It is called exactly once per Handle.
	Ack func() error
}

// Job is a decoded job message.
type Job struct {
	FileID   string
	FileName string

	// Repository the file lives in. Host is empty for jobs that name a
	// local path or an object store URL.
	Host      string
	SecretKey string

	// SourceFileID is the id to download; it differs from FileID when the
	// repository hands out an intermediate copy.
	SourceFileID string

	// LocalPath or SourceURL name the file directly.
	LocalPath string
	SourceURL string

	ReplyTo       string
	CorrelationID string
	RoutingKey    string
}

// Endpoint returns the repository endpoint of the job.
func (j Job) Endpoint() filehost.Endpoint {
	return filehost.Endpoint{Host: j.Host, Key: j.SecretKey}
}

// SourceRequest describes where to fetch the job's file from.
func (j Job) SourceRequest() source.Request {
	switch {
	case j.LocalPath != "":
		return source.Request{URL: j.LocalPath}
	case j.SourceURL != "":
		return source.Request{URL: j.SourceURL}
	}
	id := j.SourceFileID
	if id == "" {
		id = j.FileID
	}
	return source.Request{FileID: id, Endpoint: j.Endpoint()}
}

// StoreName is the catalog store the job publishes to: the file's base name
// (restricted to letters, digits, '-' and '_') joined to the file id.
func (j Job) StoreName() string {
	base := strings.TrimSuffix(filepath.Base(j.FileName), filepath.Ext(j.FileName))
	if j.FileName == "" || base == "" || base == "." {
		return sanitize(j.FileID)
	}
	return sanitize(base) + "_" + sanitize(j.FileID)
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
}

// jobBody covers both message layouts. Key matching is case-insensitive, so
// "fileid" and "fileId" land in the same field.
type jobBody struct {
	ID             string `json:"id"`
	FileID         string `json:"fileId"`
	Host           string `json:"host"`
	SecretKey      string `json:"secretKey"`
	SourceFileID   string `json:"sourceFileId"`
	IntermediateID string `json:"intermediateId"`
	LocalPath      string `json:"localPath"`
	SourceURL      string `json:"sourceUrl"`
	FileName       string `json:"fileName"`
}

// ErrMalformed wraps every ParseJob failure.
var ErrMalformed = errors.New("malformed job message")

// ParseJob decodes a job message. A job needs a file id and a location: a
// repository host, a local path or a source URL.
func ParseJob(msg Message) (Job, error) {
	var b jobBody
	if err := json.Unmarshal(msg.Body, &b); err != nil {
		return Job{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	j := Job{
		FileID:        b.FileID,
		FileName:      b.FileName,
		Host:          b.Host,
		SecretKey:     b.SecretKey,
		SourceFileID:  b.SourceFileID,
		LocalPath:     b.LocalPath,
		SourceURL:     b.SourceURL,
		ReplyTo:       msg.ReplyTo,
		CorrelationID: msg.CorrelationID,
		RoutingKey:    msg.RoutingKey,
	}
	if j.FileID == "" {
		j.FileID = b.ID
	}
	if j.SourceFileID == "" {
		j.SourceFileID = b.IntermediateID
	}

	if j.FileID == "" {
		return Job{}, fmt.Errorf("%w: missing file id", ErrMalformed)
	}
	if j.Host == "" && j.LocalPath == "" && j.SourceURL == "" {
		return Job{}, fmt.Errorf("%w: no host, localPath or sourceUrl", ErrMalformed)
	}
	if j.FileName == "" && j.LocalPath != "" {
		j.FileName = filepath.Base(j.LocalPath)
	}
	return j, nil
}
