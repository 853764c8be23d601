package email

import (
	"fmt"

	"github.com/emersion/go-sasl"
)

// Xoauth2 is the SASL mechanism name used by Gmail and Outlook.
const Xoauth2 = "XOAUTH2"

type xoauth2Client struct {
	username string
	token    string
}

// NewXOAuth2Client returns a sasl.Client for the XOAUTH2 mechanism.
func NewXOAuth2Client(username, token string) sasl.Client {
	return &xoauth2Client{username: username, token: token}
}

func (c *xoauth2Client) Start() (string, []byte, error) {
	ir := fmt.Sprintf("user=%s\x01auth=Bearer %s\x01\x01", c.username, c.token)
	return Xoauth2, []byte(ir), nil
}

// Next answers the server's JSON error challenge with an empty response so
// the server can finish the exchange with a tagged failure.
func (c *xoauth2Client) Next(_ []byte) ([]byte, error) {
	return []byte{}, nil
}
