package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/makebelieve-imprints/api/internal/domain"
	pfirestore "github.com/makebelieve-imprints/api/internal/platform/firestore"
)

const refundRequestsCollection = "refund_requests"

type refundRequestDocument struct {
	OrderID     string     `firestore:"orderId"`
	Reason      string     `firestore:"reason,omitempty"`
	Status      string     `firestore:"status"`
	RequestedBy string     `firestore:"requestedBy,omitempty"`
	CreatedAt   time.Time  `firestore:"createdAt"`
	CompletedAt *time.Time `firestore:"completedAt,omitempty"`
}

// RefundRequestRepository implements repositories.RefundRequestRepository.
type RefundRequestRepository struct {
	requests *pfirestore.Collection[refundRequestDocument]
}

// NewRefundRequestRepository constructs a Firestore-backed refund request repository.
func NewRefundRequestRepository(provider *pfirestore.Provider) (*RefundRequestRepository, error) {
	if provider == nil {
		return nil, errors.New("refund request repository requires firestore provider")
	}
	base := pfirestore.NewCollection[refundRequestDocument](provider, refundRequestsCollection)
	return &RefundRequestRepository{requests: base}, nil
}

// Insert creates the refund request; it fails when the ID already exists.
func (r *RefundRequestRepository) Insert(ctx context.Context, req domain.RefundRequest) error {
	if err := validateRefundRequestID(req.ID); err != nil {
		return err
	}
	ref, err := r.requests.DocumentRef(ctx, req.ID)
	if err != nil {
		return err
	}
	if _, err := ref.Create(ctx, encodeRefundRequest(req)); err != nil {
		return pfirestore.WrapError("refund_requests.insert", err)
	}
	return nil
}

// Update overwrites the refund request document.
func (r *RefundRequestRepository) Update(ctx context.Context, req domain.RefundRequest) error {
	if err := validateRefundRequestID(req.ID); err != nil {
		return err
	}
	return r.requests.Set(ctx, req.ID, encodeRefundRequest(req))
}

// FindByID fetches a single refund request.
func (r *RefundRequestRepository) FindByID(ctx context.Context, requestID string) (domain.RefundRequest, error) {
	if err := validateRefundRequestID(requestID); err != nil {
		return domain.RefundRequest{}, err
	}
	doc, err := r.requests.Get(ctx, requestID)
	if err != nil {
		return domain.RefundRequest{}, err
	}
	return decodeRefundRequest(doc.ID, doc.Data), nil
}

// FindPendingByOrder returns the open refund request for the order, if any.
func (r *RefundRequestRepository) FindPendingByOrder(ctx context.Context, orderID string) (domain.RefundRequest, error) {
	if strings.TrimSpace(orderID) == "" {
		return domain.RefundRequest{}, errors.New("refund request repository: order id is required")
	}
	docs, err := r.requests.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("orderId", "==", orderID).
			Where("status", "==", string(domain.RefundRequestPending)).
			Limit(1)
	})
	if err != nil {
		return domain.RefundRequest{}, err
	}
	if len(docs) == 0 {
		return domain.RefundRequest{}, pfirestore.WrapError("refund_requests.find_pending", status.Error(codes.NotFound, "no pending refund request"))
	}
	return decodeRefundRequest(docs[0].ID, docs[0].Data), nil
}

// ListByStatus pages refund requests in a given state, newest first.
func (r *RefundRequestRepository) ListByStatus(ctx context.Context, st domain.RefundRequestStatus, pager domain.Pagination) (domain.CursorPage[domain.RefundRequest], error) {
	limit := pager.PageSize
	if limit <= 0 {
		limit = 20
	}
	docs, err := r.requests.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("status", "==", string(st)).
			OrderBy("createdAt", firestore.Desc).
			Limit(limit + 1)
	})
	if err != nil {
		return domain.CursorPage[domain.RefundRequest]{}, err
	}
	page := domain.CursorPage[domain.RefundRequest]{}
	for i, doc := range docs {
		if i == limit {
			page.NextPageToken = doc.ID
			break
		}
		page.Items = append(page.Items, decodeRefundRequest(doc.ID, doc.Data))
	}
	return page, nil
}

func validateRefundRequestID(id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("refund request repository: request id is required")
	}
	return nil
}

func encodeRefundRequest(req domain.RefundRequest) refundRequestDocument {
	return refundRequestDocument{
		OrderID:     req.OrderID,
		Reason:      req.Reason,
		Status:      string(req.Status),
		RequestedBy: req.RequestedBy,
		CreatedAt:   req.CreatedAt,
		CompletedAt: req.CompletedAt,
	}
}

func decodeRefundRequest(id string, doc refundRequestDocument) domain.RefundRequest {
	return domain.RefundRequest{
		ID:          id,
		OrderID:     doc.OrderID,
		Reason:      doc.Reason,
		Status:      domain.RefundRequestStatus(doc.Status),
		RequestedBy: doc.RequestedBy,
		CreatedAt:   doc.CreatedAt,
		CompletedAt: doc.CompletedAt,
	}
}
