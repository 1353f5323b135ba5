package twitchapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// RefreshResult is the outcome of a refresh_token grant for the chat bot.
type RefreshResult struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	Scope        []string
}

// RefreshToken exchanges the bot's refresh token for a new user access token.
func RefreshToken(ctx context.Context, hc *http.Client, clientID, clientSecret, refreshToken string) (*RefreshResult, error) {
	if clientID == "" || clientSecret == "" || refreshToken == "" {
		return nil, errors.New("twitch refresh: missing client id, secret or refresh token")
	}
	cfg := &oauth2.Config{ClientID: clientID, ClientSecret: clientSecret, Endpoint: twitchEndpoint()}
	tok, err := cfg.TokenSource(withHTTPClient(ctx, hc), &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, fmt.Errorf("twitch refresh: %w", err)
	}
	res := &RefreshResult{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
		Scope:        tokenScopes(tok),
	}
	if res.Expiry.IsZero() {
		res.Expiry = time.Now().Add(defaultTokenLifetime)
	}
	return res, nil
}

// tokenScopes reads the scope field, which Twitch sends as a JSON array.
func tokenScopes(tok *oauth2.Token) []string {
	switch v := tok.Extra("scope").(type) {
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, s := range v {
			if str, ok := s.(string); ok {
				out = append(out, str)
			}
		}
		return out
	case string:
		return strings.Fields(v)
	}
	return nil
}

// Refresher adapts RefreshToken to the oauth package's refresh callback.
func Refresher(hc *http.Client, clientID, clientSecret string) func(ctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
	return func(ctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
		res, err := RefreshToken(ctx, hc, clientID, clientSecret, refreshToken)
		if err != nil {
			return "", "", time.Time{}, "", err
		}
		return res.AccessToken, res.RefreshToken, res.Expiry, strings.Join(res.Scope, " "), nil
	}
}
