package auth

import (
	"context"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// InMemoryAccounts is a CredentialVerifier and UserDirectory backed by a map,
// with passwords stored as bcrypt hashes. It exists for examples, tests and
// small tools; production deployments implement the two interfaces against
// their own user storage.
type InMemoryAccounts struct {
	mu       sync.RWMutex
	byEmail  map[string]*memoryAccount
	byUserID map[uint]*memoryAccount
}

type memoryAccount struct {
	user         User
	passwordHash []byte
}

func NewInMemoryAccounts() *InMemoryAccounts {
	return &InMemoryAccounts{
		byEmail:  make(map[string]*memoryAccount),
		byUserID: make(map[uint]*memoryAccount),
	}
}

func (a *InMemoryAccounts) Register(user User, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	account := &memoryAccount{user: user, passwordHash: hash}
	a.byEmail[user.Email] = account
	a.byUserID[user.ID] = account
	return nil
}

func (a *InMemoryAccounts) SetActive(userID uint, active bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if account, ok := a.byUserID[userID]; ok {
		account.user.Active = active
	}
}

// VerifyCredentials returns ErrInvalidCredentials for unknown accounts and
// wrong passwords alike.
func (a *InMemoryAccounts) VerifyCredentials(_ context.Context, email, password string) (uint, bool, error) {
	a.mu.RLock()
	account, ok := a.byEmail[email]
	a.mu.RUnlock()

	if !ok {
		// Burn a comparison anyway so timing does not reveal whether the
		// account exists.
		_ = bcrypt.CompareHashAndPassword(fakeHash, []byte(password))
		return 0, false, ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword(account.passwordHash, []byte(password)); err != nil {
		return 0, false, ErrInvalidCredentials
	}

	return account.user.ID, account.user.Active, nil
}

func (a *InMemoryAccounts) LookupUser(_ context.Context, userID uint) (*User, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	account, ok := a.byUserID[userID]
	if !ok {
		return nil, ErrInvalidCredentials
	}

	user := account.user
	return &user, nil
}

var fakeHash = func() []byte {
	hash, err := bcrypt.GenerateFromPassword([]byte("castellan-timing-pad"), bcrypt.MinCost)
	if err != nil {
		panic(err)
	}
	return hash
}()
