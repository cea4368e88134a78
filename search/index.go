// Package search maintains a full-text index of relayed messages and
// answers per-conversation text queries. The index is a derived view: it
// can always be rebuilt from the durable store.
package search

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/blugelabs/bluge"

	"parley/domain"
	"parley/domain/event"
)

// Hit is one search result.
type Hit struct {
	MessageID      domain.MessageID
	ConversationID domain.ConversationID
	SenderID       domain.UserID
	Content        string
	CreatedAt      time.Time
}

// Index wraps a bluge writer. It consumes MessageStored events from the
// fanout (permanent sink) and indexes them under the durable message id,
// so replayed events overwrite instead of duplicating.
type Index struct {
	writer *bluge.Writer
	log    *slog.Logger
}

func NewIndex(writer *bluge.Writer, log *slog.Logger) *Index {
	return &Index{writer: writer, log: log}
}

// Consume indexes stored messages; other event kinds are ignored.
func (i *Index) Consume(_ context.Context, e event.DomainEvent) error {
	evt, ok := e.(event.MessageStored)
	if !ok {
		return nil
	}
	return i.Add(evt.Message)
}

func (i *Index) Add(message domain.Message) error {
	doc := bluge.NewDocument(strconv.FormatUint(uint64(message.ID), 10)).
		AddField(bluge.NewKeywordField("conversation", strconv.FormatUint(uint64(message.ConversationID), 10)).StoreValue()).
		AddField(bluge.NewKeywordField("sender", string(message.SenderID)).StoreValue()).
		AddField(bluge.NewTextField("content", message.Content).StoreValue()).
		AddField(bluge.NewDateTimeField("created_at", message.CreatedAt).StoreValue())
	return i.writer.Update(doc.ID(), doc)
}

// Search returns the best-matching messages of one conversation, most
// relevant first.
func (i *Index) Search(ctx context.Context, conversationID domain.ConversationID, q Query) ([]Hit, error) {
	reader, err := i.writer.Reader()
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = reader.Close()
	}()

	query := bluge.NewBooleanQuery().
		AddMust(bluge.NewMatchQuery(q.Terms).SetField("content")).
		AddMust(bluge.NewTermQuery(strconv.FormatUint(uint64(conversationID), 10)).SetField("conversation"))
	if q.Sender != "" {
		query.AddMust(bluge.NewTermQuery(q.Sender).SetField("sender"))
	}

	request := bluge.NewTopNSearch(q.Limit, query)
	iterator, err := reader.Search(ctx, request)
	if err != nil {
		return nil, err
	}

	var hits []Hit
	for {
		match, err := iterator.Next()
		if err != nil {
			return nil, err
		}
		if match == nil {
			break
		}
		var hit Hit
		err = match.VisitStoredFields(func(field string, value []byte) bool {
			switch field {
			case "_id":
				if id, err := strconv.ParseUint(string(value), 10, 64); err == nil {
					hit.MessageID = domain.MessageID(id)
				}
			case "conversation":
				if id, err := strconv.ParseUint(string(value), 10, 64); err == nil {
					hit.ConversationID = domain.ConversationID(id)
				}
			case "sender":
				hit.SenderID = domain.UserID(value)
			case "content":
				hit.Content = string(value)
			case "created_at":
				if t, err := bluge.DecodeDateTime(value); err == nil {
					hit.CreatedAt = t
				}
			}
			return true
		})
		if err != nil {
			return nil, err
		}
		hits = append(hits, hit)
	}
	return hits, nil
}
