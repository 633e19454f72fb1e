// Package tgui holds small helpers for Telegram HTML messages: escaping,
// inline markup and a line builder for status cards and command replies.
package tgui
