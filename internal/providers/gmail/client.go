package gmail

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	stdsync "sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/jwt"
	admin "google.golang.org/api/admin/directory/v1"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/andyy0123/inbox-connector/internal/sync"
)

// workspace holds the clients of one Google Workspace tenant.
type workspace struct {
	jwt       *jwt.Config
	directory *admin.Service

	mu        stdsync.Mutex
	mailboxes map[string]*gmail.Service
}

func newWorkspace(ctx context.Context, t sync.Tenant) (*workspace, error) {
	if t.Credentials.ClientID == "" || t.Credentials.ClientSecret == "" {
		return nil, sync.NewError(sync.KindAuthentication, "create workspace client", errors.New("missing service account credentials"))
	}

	cfg, err := google.JWTConfigFromJSON([]byte(t.Credentials.ClientSecret),
		gmail.GmailModifyScope,
		admin.AdminDirectoryUserReadonlyScope,
	)
	if err != nil {
		return nil, sync.NewError(sync.KindAuthentication, "parse service account key", err)
	}

	directory, err := admin.NewService(ctx, option.WithTokenSource(impersonate(cfg, t.Credentials.ClientID)))
	if err != nil {
		return nil, fmt.Errorf("failed to create directory service: %w", err)
	}

	return &workspace{
		jwt:       cfg,
		directory: directory,
		mailboxes: make(map[string]*gmail.Service),
	}, nil
}

// impersonate returns a token source acting as subject. It outlives the
// call that built it.
func impersonate(cfg *jwt.Config, subject string) oauth2.TokenSource {
	c := *cfg
	c.Subject = subject
	return c.TokenSource(context.Background())
}

func (w *workspace) mailbox(ctx context.Context, userID string) (*gmail.Service, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if svc, ok := w.mailboxes[userID]; ok {
		return svc, nil
	}

	svc, err := gmail.NewService(ctx, option.WithTokenSource(impersonate(w.jwt, userID)))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}

	w.mailboxes[userID] = svc
	return svc, nil
}

func (w *workspace) listUsers(ctx context.Context) ([]sync.User, error) {
	var out []sync.User

	err := w.directory.Users.List().
		Customer("my_customer").
		MaxResults(500).
		Pages(ctx, func(page *admin.Users) error {
			for _, u := range page.Users {
				if u.Suspended || u.PrimaryEmail == "" {
					continue
				}
				name := ""
				if u.Name != nil {
					name = u.Name.FullName
				}
				out = append(out, sync.User{ID: u.PrimaryEmail, DisplayName: name})
			}
			return nil
		})
	if err != nil {
		return nil, err
	}

	return out, nil
}

// classify maps Google API and token errors onto sync error kinds.
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

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return sync.NewError(kindForAPIError(gerr), op, err)
	}

	return sync.NewError(sync.KindTransient, op, err)
}

func kindForAPIError(e *googleapi.Error) sync.Kind {
	switch e.Code {
	case http.StatusUnauthorized:
		return sync.KindAuthentication
	case http.StatusForbidden:
		for _, item := range e.Errors {
			if item.Reason == "rateLimitExceeded" || item.Reason == "userRateLimitExceeded" {
				return sync.KindTransient
			}
		}
		return sync.KindAuthentication
	case http.StatusNotFound, http.StatusGone:
		return sync.KindNotFound
	default:
		return sync.KindTransient
	}
}
