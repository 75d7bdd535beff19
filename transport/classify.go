package transport

import (
	"context"
	"errors"
	"net"
	"net/textproto"
	"regexp"
	"strconv"
	"strings"
)

// reply codes open a reply line: "550 5.1.1 ..." or "...: 421-..."
var smtpCode = regexp.MustCompile(`(?:^|:\s)([245]\d\d)[\s-]`)

// Classify maps a send failure onto a classified Error. gomail flattens SMTP
// replies into strings, so reply codes are read from the text when no
// structured error survives.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	if te, ok := AsError(err); ok {
		return te
	}
	if e := classifyContext(err); e != nil {
		return e
	}
	if e := classifyNet(err); e != nil {
		return e
	}

	code := 0
	var tp *textproto.Error
	if errors.As(err, &tp) {
		code = tp.Code
	} else if m := smtpCode.FindStringSubmatch(err.Error()); m != nil {
		code, _ = strconv.Atoi(m[1])
	}

	switch {
	case code == 535 || code == 534 || code == 530:
		return Terminal(ReasonAuthFailed, err)
	case code == 550 || code == 551 || code == 553 || code == 501:
		return Terminal(ReasonInvalidRecipient, err)
	case code == 421 || code == 450 || code == 451 || code == 452:
		return Transient(ReasonThrottled, err)
	case code >= 400 && code < 500:
		return Transient(ReasonServerError, err)
	case code >= 500 && code < 600:
		return Terminal(ReasonRejected, err)
	}

	msg := strings.ToLower(err.Error())
	for _, hint := range []string{"try again", "temporary", "temporarily", "rate limit", "too many"} {
		if strings.Contains(msg, hint) {
			return Transient(ReasonThrottled, err)
		}
	}
	for _, hint := range []string{"authentication", "username and password", "invalid credentials"} {
		if strings.Contains(msg, hint) {
			return Terminal(ReasonAuthFailed, err)
		}
	}
	return Transient(ReasonNetwork, err)
}

// ClassifyHTTP maps an API status code onto a classified Error.
func ClassifyHTTP(status int, err error) *Error {
	switch {
	case status == 429:
		return Transient(ReasonThrottled, err)
	case status == 401 || status == 403:
		return Terminal(ReasonAuthFailed, err)
	case status == 400 || status == 404 || status == 422:
		return Terminal(ReasonRejected, err)
	case status == 408:
		return Transient(ReasonTimeout, err)
	case status >= 500:
		return Transient(ReasonServerError, err)
	default:
		return Terminal(ReasonRejected, err)
	}
}

func classifyContext(err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient(ReasonTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return Transient(ReasonNetwork, err)
	}
	return nil
}

func classifyNet(err error) *Error {
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return Transient(ReasonTimeout, err)
		}
		return Transient(ReasonNetwork, err)
	}
	return nil
}
