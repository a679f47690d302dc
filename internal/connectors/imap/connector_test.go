package imap

import (
	"testing"

	"github.com/emersion/go-imap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"savery/internal/config"
)

func TestNewConnectorRequiresCredentials(t *testing.T) {
	_, err := NewConnector(config.Config{IMAPHost: "imap.example.test", IMAPUser: "sam"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "IMAP_PASSWORD")

	c, err := NewConnector(config.Config{IMAPHost: "imap.example.test", IMAPPort: 993, IMAPSecure: true, IMAPUser: "sam", IMAPPassword: "pw"})
	require.NoError(t, err)
	assert.Equal(t, 993, c.port)
}

func TestFormatAddresses(t *testing.T) {
	got := formatAddresses([]*imap.Address{
		{PersonalName: "Sam", MailboxName: "sam", HostName: "example.test"},
		nil,
		{MailboxName: "alex", HostName: "example.test"},
	})
	assert.Equal(t, "Sam <sam@example.test>, alex@example.test", got)
	assert.Empty(t, formatAddresses(nil))
}

func TestToFetchedMailSkipsEmptyBodies(t *testing.T) {
	section := &imap.BodySectionName{Peek: true}
	mail, err := toFetchedMail(nil, section)
	require.NoError(t, err)
	assert.Nil(t, mail)

	mail, err = toFetchedMail(&imap.Message{Uid: 7}, section)
	require.NoError(t, err)
	assert.Nil(t, mail)
}
