package client

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/antchfx/xmlquery"

	"pkt.systems/acsconfig/atom"
	"pkt.systems/acsconfig/batch"
)

// BatchResponse is one successful operation from a $batch response.
type BatchResponse struct {
	ContentID  string
	StatusCode int
	// Location is the URL of a created entity, if the service returned one.
	Location string
	// Document is the parsed body, or nil when the body was empty.
	Document *xmlquery.Node
}

// SendBatch finalizes b, posts it to the $batch endpoint and calls fn for
// every successful part in response order. The first failed part is returned
// as a KindBatchPart error; parts after it are still delivered to fn.
func (c *Client) SendBatch(ctx context.Context, b *batch.Builder, fn func(BatchResponse)) error {
	const op = "send_batch"
	if b == nil {
		return &Error{Kind: KindBatchPart, Op: op, Err: errors.New("nil batch")}
	}
	body := b.Bytes()
	c.logger.Debug("client.batch.send", "operations", b.Len(), "batch", b.BatchIdentity(), "bytes", len(body))
	res, err := c.do(ctx, op, http.MethodPost, "$batch", body, b.ContentType())
	if err != nil {
		return err
	}
	if fn == nil {
		fn = func(BatchResponse) {}
	}
	err = readBatchResponse(res.header.Get("Content-Type"), res.body, fn)
	if err != nil {
		c.logger.Warn("client.batch.part_error", "batch", b.BatchIdentity(), "error", err)
	}
	return err
}

func readBatchResponse(contentType string, body []byte, fn func(BatchResponse)) error {
	const op = "send_batch"
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") || params["boundary"] == "" {
		if doc, perr := atom.Parse(body); perr == nil {
			if svcErr := atom.CheckForError(doc); svcErr != nil {
				return serviceError(op, "$batch", http.StatusAccepted, svcErr, body)
			}
		}
		return &Error{Kind: KindXMLParse, Op: op, Entity: "$batch", Body: body,
			Err: fmt.Errorf("unexpected batch response content type %q", contentType)}
	}
	w := &batchWalker{fn: fn}
	if err := w.walk(multipart.NewReader(bytes.NewReader(body), params["boundary"])); err != nil && w.first == nil {
		return &Error{Kind: KindXMLParse, Op: op, Entity: "$batch", Body: body, Err: err}
	}
	return w.first
}

type batchWalker struct {
	fn    func(BatchResponse)
	first error
}

func (w *batchWalker) record(err error) {
	if w.first == nil {
		w.first = err
	}
}

// walk flattens nested changeset parts and hands every application/http
// part to handle.
func (w *batchWalker) walk(r *multipart.Reader) error {
	for {
		part, err := r.NextPart()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		mediaType, params, err := mime.ParseMediaType(part.Header.Get("Content-Type"))
		if err != nil {
			return fmt.Errorf("batch part content type: %w", err)
		}
		switch {
		case strings.HasPrefix(mediaType, "multipart/"):
			if err := w.walk(multipart.NewReader(part, params["boundary"])); err != nil {
				return err
			}
		case mediaType == "application/http":
			if err := w.handle(part); err != nil {
				return err
			}
		}
	}
}

func (w *batchWalker) handle(part *multipart.Part) error {
	const op = "send_batch"
	resp, err := http.ReadResponse(bufio.NewReader(part), nil)
	if err != nil {
		return fmt.Errorf("read batch part: %w", err)
	}
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return fmt.Errorf("read batch part body: %w", err)
	}
	contentID := resp.Header.Get("Content-ID")
	if contentID == "" {
		contentID = part.Header.Get("Content-ID")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		perr := &Error{Kind: KindBatchPart, Op: op, Entity: "$batch", StatusCode: resp.StatusCode, ContentID: contentID, Body: data}
		if doc, err := atom.Parse(data); err == nil {
			if svcErr := atom.CheckForError(doc); svcErr != nil {
				perr.Code = svcErr.Code
				perr.Message = serviceError(op, "", resp.StatusCode, svcErr, nil).Message
				perr.Err = svcErr
			}
		}
		w.record(perr)
		return nil
	}
	out := BatchResponse{
		ContentID:  contentID,
		StatusCode: resp.StatusCode,
		Location:   resp.Header.Get("Location"),
	}
	if len(bytes.TrimSpace(data)) > 0 {
		doc, err := atom.Parse(data)
		if err != nil {
			w.record(&Error{Kind: KindXMLParse, Op: op, Entity: "$batch", StatusCode: resp.StatusCode, ContentID: contentID, Body: data, Err: err})
			return nil
		}
		out.Document = doc
	}
	w.fn(out)
	return nil
}
