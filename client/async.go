package client

import (
	"context"

	"github.com/antchfx/xmlquery"

	"pkt.systems/acsconfig/atom"
	"pkt.systems/acsconfig/batch"
)

// ObtainTokenAsync runs ObtainToken on a new goroutine and calls done once
// with its results. done must not be nil.
func ObtainTokenAsync(ctx context.Context, namespace, managementKey string, done func(*Client, int, error), opts ...Option) {
	go func() {
		done(ObtainToken(ctx, namespace, managementKey, opts...))
	}()
}

// GetAsync runs Get on a new goroutine and calls done once.
func (c *Client) GetAsync(ctx context.Context, entity string, done func([]byte, error)) {
	go func() {
		done(c.Get(ctx, entity))
	}()
}

// GetXMLAsync runs GetXML on a new goroutine and calls done once.
func (c *Client) GetXMLAsync(ctx context.Context, entity string, done func(*xmlquery.Node, error)) {
	go func() {
		done(c.GetXML(ctx, entity))
	}()
}

// GetEntriesAsync runs GetEntries on a new goroutine. fn is called from that
// goroutine for each entry; done is called once afterwards.
func (c *Client) GetEntriesAsync(ctx context.Context, entity string, fn func(atom.Entry) bool, done func(error)) {
	go func() {
		done(c.GetEntries(ctx, entity, fn))
	}()
}

// DeleteAsync runs Delete on a new goroutine and calls done once.
func (c *Client) DeleteAsync(ctx context.Context, entity string, done func(error)) {
	go func() {
		done(c.Delete(ctx, entity))
	}()
}

// SendBatchAsync runs SendBatch on a new goroutine. fn receives each
// successful part; done is called once afterwards.
func (c *Client) SendBatchAsync(ctx context.Context, b *batch.Builder, fn func(BatchResponse), done func(error)) {
	go func() {
		done(c.SendBatch(ctx, b, fn))
	}()
}
