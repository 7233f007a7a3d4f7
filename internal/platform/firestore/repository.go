package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
)

// Collection provides typed access to a single Firestore collection. Values
// decode through Firestore's struct mapping, so T is the document struct the
// owning repository defines, tags and all.
type Collection[T any] struct {
	provider *Provider
	name     string
}

// Document pairs a decoded value with its document id.
type Document[T any] struct {
	ID   string
	Data T
}

// QueryBuilder customises a collection query before execution.
type QueryBuilder func(query firestore.Query) firestore.Query

// NewCollection binds a typed collection to the provider.
func NewCollection[T any](provider *Provider, name string) *Collection[T] {
	return &Collection[T]{provider: provider, name: strings.TrimSpace(name)}
}

// Set writes value under id, creating or overwriting the document.
func (c *Collection[T]) Set(ctx context.Context, id string, value T) error {
	ref, err := c.DocumentRef(ctx, id)
	if err != nil {
		return err
	}
	if _, err := ref.Set(ctx, value); err != nil {
		return WrapError(c.op("set"), err)
	}
	return nil
}

// Get fetches and decodes the document with the given id.
func (c *Collection[T]) Get(ctx context.Context, id string) (Document[T], error) {
	ref, err := c.DocumentRef(ctx, id)
	if err != nil {
		return Document[T]{}, err
	}
	snapshot, err := ref.Get(ctx)
	if err != nil {
		return Document[T]{}, WrapError(c.op("get"), err)
	}
	return decodeSnapshot[T](snapshot)
}

// Query runs build against the collection and decodes every row.
func (c *Collection[T]) Query(ctx context.Context, build QueryBuilder) ([]Document[T], error) {
	ref, err := c.ref(ctx)
	if err != nil {
		return nil, err
	}

	query := ref.Query
	if build != nil {
		query = build(query)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	var docs []Document[T]
	for {
		snapshot, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, WrapError(c.op("query"), err)
		}
		doc, err := decodeSnapshot[T](snapshot)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// DocumentRef exposes the raw reference for create preconditions and
// transactional reads.
func (c *Collection[T]) DocumentRef(ctx context.Context, id string) (*firestore.DocumentRef, error) {
	if strings.TrimSpace(id) == "" {
		return nil, WrapError(c.op("document"), errors.New("firestore: document id is required"))
	}
	ref, err := c.ref(ctx)
	if err != nil {
		return nil, err
	}
	return ref.Doc(id), nil
}

func (c *Collection[T]) ref(ctx context.Context) (*firestore.CollectionRef, error) {
	if c == nil || c.provider == nil {
		return nil, WrapError(c.op("collection"), errors.New("firestore: provider is nil"))
	}
	if c.name == "" {
		return nil, WrapError(c.op("collection"), errors.New("firestore: collection name is required"))
	}
	client, err := c.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(c.name), nil
}

func (c *Collection[T]) op(action string) string {
	name := "firestore"
	if c != nil && c.name != "" {
		name = c.name
	}
	return name + "." + action
}

func decodeSnapshot[T any](snapshot *firestore.DocumentSnapshot) (Document[T], error) {
	var data T
	if err := snapshot.DataTo(&data); err != nil {
		return Document[T]{}, fmt.Errorf("firestore: decode document %s: %w", snapshot.Ref.ID, err)
	}
	return Document[T]{ID: snapshot.Ref.ID, Data: data}, nil
}
