package outlook

import (
	"context"
	"errors"
	"net/http"

	abstractions "github.com/microsoft/kiota-abstractions-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"
	"golang.org/x/oauth2"

	"github.com/andyy0123/inbox-connector/internal/sync"
)

// classify maps Graph and token errors onto sync error kinds.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	var se *sync.Error
	if errors.As(err, &se) {
		return err
	}

	var retrieve *oauth2.RetrieveError
	if errors.As(err, &retrieve) {
		return sync.NewError(sync.KindAuthentication, op, err)
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return sync.NewError(sync.KindTransient, op, err)
	}

	status := 0

	var odataErr *odataerrors.ODataError
	var apiErr *abstractions.ApiError
	switch {
	case errors.As(err, &odataErr):
		status = odataErr.ResponseStatusCode
	case errors.As(err, &apiErr):
		status = apiErr.ResponseStatusCode
	}

	return sync.NewError(kindForStatus(status), op, err)
}

func kindForStatus(status int) sync.Kind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return sync.KindAuthentication
	case status == http.StatusNotFound || status == http.StatusGone:
		return sync.KindNotFound
	default:
		// 429, 5xx and transport failures are all retried on the next run.
		return sync.KindTransient
	}
}
