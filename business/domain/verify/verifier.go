package verify

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/swarmos/go-epoch-sealer/business/canonical"
	"github.com/swarmos/go-epoch-sealer/entities"
)

type Recoverer interface {
	Recover(payload []byte, signature string) (string, error)
}

type Resolver interface {
	Resolve(ctx context.Context, address string) (name string, found bool, err error)
}

// purger is implemented by resolvers that cache resolutions.
type purger interface {
	Purge()
}

type Verifier struct {
	recoverer Recoverer
	resolver  Resolver
}

func NewVerifier(recoverer Recoverer, resolver Resolver) *Verifier {
	return &Verifier{
		recoverer: recoverer,
		resolver:  resolver,
	}
}

// Verify recovers the signer of record and resolves it to the identity the record declares.
// Errors other than the record rejections (resolver unavailable) are transient.
func (v *Verifier) Verify(ctx context.Context, record entities.SignedRecord) (entities.Identity, error) {
	signature := record.Signature()
	if signature == "" {
		return entities.Identity{}, entities.ErrUnsignedRecord
	}

	payload, err := canonical.EncodeWithout(record.Payload(), "sig")
	if err != nil {
		return entities.Identity{}, errors.Wrapf(entities.ErrMalformedRecord, "encoding signed payload: %v", err)
	}

	address, err := v.recoverer.Recover(payload, signature)
	if err != nil {
		return entities.Identity{}, errors.Wrapf(entities.ErrInvalidSignature, "recovering signer: %v", err)
	}

	name, found, err := v.resolver.Resolve(ctx, address)
	if err != nil {
		return entities.Identity{}, errors.Wrapf(err, "resolving address [%s]", address)
	}
	if !found {
		return entities.Identity{}, errors.Wrapf(entities.ErrUnresolvedIdentity, "address [%s]", address)
	}

	declared, role := record.DeclaredIdentity()
	if !strings.EqualFold(name, declared) {
		return entities.Identity{}, errors.Wrapf(entities.ErrInvalidSignature, "signer [%s] resolves to [%s], record declares [%s]", address, name, declared)
	}

	return entities.Identity{
		Address: address,
		Name:    strings.ToLower(name),
		Role:    role,
	}, nil
}

// ResetEpoch drops cached resolutions so that no identity outlives the epoch it was verified in.
func (v *Verifier) ResetEpoch() {
	if p, ok := v.resolver.(purger); ok {
		p.Purge()
	}
}

// IsRejection reports whether err drops the record for good rather than asking for a retry.
func IsRejection(err error) bool {
	return errors.Is(err, entities.ErrMalformedRecord) ||
		errors.Is(err, entities.ErrUnsignedRecord) ||
		errors.Is(err, entities.ErrInvalidSignature) ||
		errors.Is(err, entities.ErrUnresolvedIdentity) ||
		errors.Is(err, entities.ErrDuplicateRecord)
}
