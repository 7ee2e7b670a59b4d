package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/3leaps/goscribe/pkg/pipeline"
)

// DefaultFirestoreCollection is the top-level collection for job documents.
const DefaultFirestoreCollection = "goscribe-jobs"

// FirestoreStore keeps checkpoints in Cloud Firestore.
//
// Layout: <collection>/<job_id>/checkpoints/<seq, zero padded>. Each document
// holds the encoded snapshot in "payload" plus "seq" for ordering. Documents
// are created, never updated.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
	owned      bool
}

type firestoreDoc struct {
	Seq       int       `firestore:"seq"`
	Payload   string    `firestore:"payload"`
	CreatedAt time.Time `firestore:"created_at"`
}

// NewFirestoreStore dials Firestore for projectID.
func NewFirestoreStore(ctx context.Context, projectID, collection string, opts ...option.ClientOption) (*FirestoreStore, error) {
	client, err := firestore.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}
	s := NewFirestoreStoreFromClient(client, collection)
	s.owned = true
	return s, nil
}

// NewFirestoreStoreFromClient wraps an existing client. Close does not close it.
func NewFirestoreStoreFromClient(client *firestore.Client, collection string) *FirestoreStore {
	if collection == "" {
		collection = DefaultFirestoreCollection
	}
	return &FirestoreStore{client: client, collection: collection}
}

// Close releases the client if the store owns it.
func (s *FirestoreStore) Close() error {
	if s.owned {
		return s.client.Close()
	}
	return nil
}

func (s *FirestoreStore) checkpoints(jobID string) *firestore.CollectionRef {
	return s.client.Collection(s.collection).Doc(jobID).Collection("checkpoints")
}

// Save implements Store.
func (s *FirestoreStore) Save(ctx context.Context, cp *pipeline.Checkpoint) error {
	b, err := Encode(cp)
	if err != nil {
		return err
	}
	latest, err := s.latestSeq(ctx, cp.JobID)
	if err != nil {
		return err
	}
	if latest >= 0 && cp.Seq <= latest {
		return fmt.Errorf("%w: job %s has seq %d, got %d", ErrOutOfOrder, cp.JobID, latest, cp.Seq)
	}
	doc := firestoreDoc{Seq: cp.Seq, Payload: string(b), CreatedAt: cp.CreatedAt}
	_, err = s.checkpoints(cp.JobID).Doc(fmt.Sprintf("%06d", cp.Seq)).Create(ctx, doc)
	if status.Code(err) == codes.AlreadyExists {
		return fmt.Errorf("%w: job %s seq %d already written", ErrOutOfOrder, cp.JobID, cp.Seq)
	}
	if err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	return nil
}

// Load implements Store.
func (s *FirestoreStore) Load(ctx context.Context, jobID string) (*pipeline.Checkpoint, error) {
	iter := s.checkpoints(jobID).OrderBy("seq", firestore.Desc).Limit(1).Documents(ctx)
	defer iter.Stop()
	snap, err := iter.Next()
	if errors.Is(err, iterator.Done) {
		return nil, fmt.Errorf("%w: job %s", ErrNotFound, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	var doc firestoreDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("%w: job %s: %v", ErrCorrupt, jobID, err)
	}
	return Decode(jobID, []byte(doc.Payload))
}

// List implements Store.
func (s *FirestoreStore) List(ctx context.Context, jobID string) ([]*pipeline.Checkpoint, error) {
	iter := s.checkpoints(jobID).OrderBy("seq", firestore.Asc).Documents(ctx)
	defer iter.Stop()
	var out []*pipeline.Checkpoint
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list checkpoints: %w", err)
		}
		var doc firestoreDoc
		if err := snap.DataTo(&doc); err != nil {
			continue
		}
		if cp, err := Decode(jobID, []byte(doc.Payload)); err == nil {
			out = append(out, cp)
		}
	}
}

func (s *FirestoreStore) latestSeq(ctx context.Context, jobID string) (int, error) {
	iter := s.checkpoints(jobID).OrderBy("seq", firestore.Desc).Limit(1).Documents(ctx)
	defer iter.Stop()
	snap, err := iter.Next()
	if errors.Is(err, iterator.Done) {
		return -1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	var doc firestoreDoc
	if err := snap.DataTo(&doc); err != nil {
		return 0, fmt.Errorf("%w: job %s: %v", ErrCorrupt, jobID, err)
	}
	return doc.Seq, nil
}

var _ Store = (*FirestoreStore)(nil)
