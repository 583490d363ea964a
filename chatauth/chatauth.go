// Package chatauth exchanges a stored refresh token for a fresh Twitch
// access token. The interactive authorization-code handshake is out of
// scope: token material is expected to already exist in Store by the time
// this package is used, and this package only ever renews it.
package chatauth

import (
	"context"
	"errors"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// twitchEndpoint is Twitch's OAuth2 token endpoint. Only the refresh_token
// grant is used here; the authorization-code handshake is out of scope.
var twitchEndpoint = oauth2.Endpoint{
	TokenURL: "https://id.twitch.tv/oauth2/token",
}

// RefreshResult is the outcome of a refresh_token grant.
type RefreshResult struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	Scope        []string
	ExpiresIn    int
}

// ComputeExpiry returns an absolute expiry time from a seconds-until-expiry
// value, defaulting to +60m when the value is missing or nonsensical.
func ComputeExpiry(seconds int) time.Time {
	if seconds <= 0 {
		return time.Now().Add(60 * time.Minute)
	}
	return time.Now().Add(time.Duration(seconds) * time.Second)
}

// RefreshToken exchanges a refresh token for a new access token via Twitch's
// token endpoint, using oauth2.Config's TokenSource to perform the
// refresh_token grant rather than hand-rolling the form POST.
func RefreshToken(ctx context.Context, clientID, clientSecret, refreshToken string) (*RefreshResult, error) {
	if clientID == "" || clientSecret == "" || refreshToken == "" {
		return nil, errors.New("missing clientID/clientSecret/refreshToken")
	}

	cfg := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     twitchEndpoint,
	}
	src := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, err
	}

	var scope []string
	if raw, ok := tok.Extra("scope").(string); ok && raw != "" {
		scope = strings.Fields(raw)
	}
	expiresIn := 0
	if !tok.Expiry.IsZero() {
		if d := time.Until(tok.Expiry); d > 0 {
			expiresIn = int(d.Seconds())
		}
	}

	return &RefreshResult{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Scope:        scope,
		ExpiresIn:    expiresIn,
	}, nil
}
