// README: Firebase ID-token verification; maps verified tokens to ridepool callers.
package infra

import (
	"context"
	"errors"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/auth"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

// Roles carried in the "role" custom claim. Tokens without a recognised role
// belong to riders.
const (
	RoleRider  = "rider"
	RoleDriver = "driver"
	RoleAdmin  = "admin"

	roleClaim = "role"
)

var ErrUnauthenticated = errors.New("unauthenticated")

// Caller is the identity behind a verified ID token.
type Caller struct {
	UID  string
	Role string
}

// TokenVerifier turns a raw ID token into the caller it was issued to.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*Caller, error)
}

type FirebaseOptions struct {
	ProjectID string
	// CredentialsFile is a service-account JSON path. Empty means
	// application-default credentials.
	CredentialsFile string
	// CheckRevoked also rejects tokens of disabled users or revoked sessions,
	// at the cost of one Auth backend call per request.
	CheckRevoked bool
}

// FirebaseVerifier verifies tokens with the Firebase Admin SDK.
type FirebaseVerifier struct {
	client       *auth.Client
	checkRevoked bool
	logger       *zap.Logger
}

func NewFirebaseVerifier(ctx context.Context, opts FirebaseOptions, logger *zap.Logger) (*FirebaseVerifier, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var clientOpts []option.ClientOption
	if opts.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(opts.CredentialsFile))
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: opts.ProjectID}, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("firebase.NewApp: %w", err)
	}
	client, err := app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("firebase app.Auth: %w", err)
	}
	logger.Info("firebase token verification ready",
		zap.String("project_id", opts.ProjectID), zap.Bool("check_revoked", opts.CheckRevoked))
	return &FirebaseVerifier{client: client, checkRevoked: opts.CheckRevoked, logger: logger}, nil
}

func (v *FirebaseVerifier) VerifyIDToken(ctx context.Context, idToken string) (*Caller, error) {
	verify := v.client.VerifyIDToken
	if v.checkRevoked {
		verify = v.client.VerifyIDTokenAndCheckRevoked
	}
	token, err := verify(ctx, idToken)
	if err != nil {
		if auth.IsIDTokenRevoked(err) {
			v.logger.Info("revoked id token presented", zap.Error(err))
		} else {
			v.logger.Debug("id token rejected", zap.Error(err))
		}
		return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	return callerFromClaims(token.UID, token.Claims), nil
}

func callerFromClaims(uid string, claims map[string]interface{}) *Caller {
	role, _ := claims[roleClaim].(string)
	switch role {
	case RoleDriver, RoleAdmin:
	default:
		role = RoleRider
	}
	return &Caller{UID: uid, Role: role}
}
