package firestore

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	pfirestore "github.com/checkspot/api/internal/platform/firestore"
)

func notFoundError(op string) error {
	return pfirestore.WrapError(op, status.Error(codes.NotFound, "no matching document"))
}
