package testutils

import (
	"github.com/stretchr/testify/mock"
)

// The mocks satisfy the collaborator interfaces structurally so this package
// stays import-free of the service packages that consume them.

type MockMailService struct {
	mock.Mock
}

func (m *MockMailService) SendSecurityAlert(to string, data map[string]any) error {
	args := m.Called(to, data)
	return args.Error(0)
}

type MockTOTPService struct {
	mock.Mock
}

func (m *MockTOTPService) IsEnabled(userID uint) (bool, error) {
	args := m.Called(userID)
	return args.Bool(0), args.Error(1)
}

func (m *MockTOTPService) ValidateCode(userID uint, code string) error {
	args := m.Called(userID, code)
	return args.Error(0)
}
