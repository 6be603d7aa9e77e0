package bundle

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrips(t *testing.T) {
	doc := Document{
		Kws: []Kws{{
			ExternalKwsID:    42,
			Host:             "kcd.example.com",
			Port:             443,
			UserID:           7,
			Ticket:           []byte("ticket-bytes"),
			PasswordVerifier: []byte("verifier-bytes"),
		}},
		Browsers: []Browser{{ExternalKwsID: 42, Paths: []string{"/home/alice/Workspaces/Alpha"}}},
	}

	data, err := Encode(doc)
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	require.Equal(t, CurrentVersion, got.Version)
	require.Len(t, got.Kws, 1)
	require.Equal(t, doc.Kws[0], got.Kws[0])
	require.Len(t, got.Browsers, 1)
	require.Equal(t, doc.Browsers[0], got.Browsers[0])
}

func TestDecodeAcceptsLegacyNestedKasIDHost(t *testing.T) {
	legacy := []byte(`<?xml version="1.0" encoding="UTF-8"?>
<TeamboxExport version="4">
  <Kws>
    <KasID><Host>kas.example.com</Host><Port>80</Port></KasID>
    <ExternalKwsID>11</ExternalKwsID>
    <UserID>3</UserID>
    <Ticket></Ticket>
    <PasswordVerifier></PasswordVerifier>
  </Kws>
</TeamboxExport>`)

	got, err := Decode(legacy)
	require.NoError(t, err)
	require.Len(t, got.Kws, 1)
	require.Equal(t, "kas.example.com", got.Kws[0].Host)
	require.Equal(t, 80, got.Kws[0].Port)
	require.Equal(t, uint64(11), got.Kws[0].ExternalKwsID)
}

func TestDecodeMissingRootFails(t *testing.T) {
	_, err := Decode([]byte(`<NotABundle/>`))
	require.Error(t, err)
}

func TestDecodeMissingAddressFails(t *testing.T) {
	_, err := Decode([]byte(`<TeamboxExport version="1"><Kws><ExternalKwsID>1</ExternalKwsID></Kws></TeamboxExport>`))
	require.Error(t, err)
}
