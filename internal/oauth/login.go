package oauth

import (
	"errors"
	"fmt"
	"html"
	"net/http"
	"net/url"

	"github.com/fitsync/garmin-mcp/internal/events"
	"github.com/fitsync/garmin-mcp/internal/garmin"
)

// loginFailedMessage is deliberately identical for bad email, bad password,
// and unknown accounts so the form cannot be used to enumerate Garmin users.
const loginFailedMessage = "Invalid email or password."

// HandleLoginPage serves the credential form for a pending authorization.
// GET /login?state=...
func (p *Provider) HandleLoginPage(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	if state == "" {
		http.Error(w, "missing state parameter", http.StatusBadRequest)
		return
	}
	renderLoginPage(w, state, "")
}

// HandleLoginSubmit exchanges the submitted Garmin credentials upstream.
// POST /login/callback
func (p *Provider) HandleLoginSubmit(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	state := r.PostFormValue("state")
	email := r.PostFormValue("email")
	password := r.PostFormValue("password")
	if state == "" {
		http.Error(w, "missing state parameter", http.StatusBadRequest)
		return
	}
	if email == "" || password == "" {
		renderLoginPage(w, state, loginFailedMessage)
		return
	}

	result, err := p.auth.Login(r.Context(), email, password)
	if err != nil {
		if errors.Is(err, garmin.ErrInvalidCredentials) {
			p.events.Publish(r.Context(), events.TypeLoginFailed, "", "", "invalid credentials")
			renderLoginPage(w, state, loginFailedMessage)
			return
		}
		p.logger.Error("garmin login failed", "error", err)
		renderLoginPage(w, state, "Login is temporarily unavailable. Please try again.")
		return
	}

	if result.MFA != nil {
		p.mfa.put(state, result.MFA, email)
		http.Redirect(w, r, "/login/mfa?state="+url.QueryEscape(state), http.StatusFound)
		return
	}
	p.finishLogin(w, r, state, email, result.Tokens)
}

// HandleMFAPage serves the one-time-code form for a suspended login. An
// unknown or expired state renders the terminal expired page.
// GET /login/mfa?state=...
func (p *Provider) HandleMFAPage(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	if state == "" {
		http.Error(w, "missing state parameter", http.StatusBadRequest)
		return
	}
	if !p.mfa.has(state) {
		renderExpiredPage(w)
		return
	}
	renderMFAPage(w, state, "")
}

// HandleMFASubmit resumes a login parked on an MFA challenge.
// POST /login/mfa/callback
func (p *Provider) HandleMFASubmit(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	state := r.PostFormValue("state")
	code := r.PostFormValue("mfa_code")
	if state == "" {
		http.Error(w, "missing state parameter", http.StatusBadRequest)
		return
	}

	entry, ok := p.mfa.pop(state)
	if !ok {
		renderExpiredPage(w)
		return
	}
	if code == "" {
		p.mfa.restore(state, entry)
		renderMFAPage(w, state, "Enter the code from your authenticator.")
		return
	}

	tokens, err := p.auth.ResumeLogin(r.Context(), entry.resume, code)
	if err != nil {
		p.events.Publish(r.Context(), events.TypeMFAFailed, "", "", "")
		// Keep the challenge alive for another attempt within its TTL.
		p.mfa.restore(state, entry)
		renderMFAPage(w, state, "Invalid code. Please try again.")
		return
	}
	p.finishLogin(w, r, state, entry.email, tokens)
}

// finishLogin is the shared tail of the password and MFA paths: persist the
// Garmin session for the user, convert the state token into an authorization
// code, and bounce the browser back to the downstream client.
func (p *Provider) finishLogin(w http.ResponseWriter, r *http.Request, state, email string, tokens *garmin.TokenPair) {
	user, err := p.store.GetOrCreateUser(email)
	if err != nil {
		p.logger.Error("resolve user", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if err := p.sessions.PersistNewSession(user.ID, tokens); err != nil {
		p.logger.Error("persist garmin session", "user_id", user.ID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	redirect, err := p.CompleteLogin(state, user.ID)
	if err != nil {
		if errors.Is(err, ErrLoginExpired) {
			renderExpiredPage(w)
			return
		}
		p.logger.Error("complete authorization", "user_id", user.ID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	p.events.Publish(r.Context(), events.TypeLoginSucceeded, "", user.ID, "")
	http.Redirect(w, r, redirect, http.StatusFound)
}

func renderLoginPage(w http.ResponseWriter, state, errMsg string) {
	renderPage(w, fmt.Sprintf(`
		<h1>Connect Garmin</h1>
		<p>Sign in with your Garmin Connect account to continue.</p>
		%s
		<form method="post" action="/login/callback">
			<input type="hidden" name="state" value="%s">
			<label>Email<br><input type="email" name="email" autocomplete="username" required></label><br>
			<label>Password<br><input type="password" name="password" autocomplete="current-password" required></label><br>
			<button type="submit">Sign in</button>
		</form>`,
		errorBanner(errMsg), html.EscapeString(state)))
}

func renderMFAPage(w http.ResponseWriter, state, errMsg string) {
	renderPage(w, fmt.Sprintf(`
		<h1>Verification required</h1>
		<p>Enter the code Garmin sent to your device.</p>
		%s
		<form method="post" action="/login/mfa/callback">
			<input type="hidden" name="state" value="%s">
			<label>Code<br><input type="text" name="mfa_code" inputmode="numeric" autocomplete="one-time-code" required></label><br>
			<button type="submit">Verify</button>
		</form>`,
		errorBanner(errMsg), html.EscapeString(state)))
}

func renderExpiredPage(w http.ResponseWriter) {
	w.WriteHeader(http.StatusGone)
	renderPage(w, `
		<h1>Authorization expired</h1>
		<p>This sign-in link is no longer valid. Go back to your
		application and start the connection again.</p>`)
}

func errorBanner(msg string) string {
	if msg == "" {
		return ""
	}
	return fmt.Sprintf(`<p class="error">%s</p>`, html.EscapeString(msg))
}

func renderPage(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Garmin MCP</title>
<style>
	body { font-family: system-ui, sans-serif; max-width: 24rem; margin: 4rem auto; padding: 0 1rem; }
	label { display: block; margin: 0.75rem 0; }
	input { width: 100%%; padding: 0.4rem; box-sizing: border-box; }
	button { margin-top: 1rem; padding: 0.5rem 1.5rem; }
	.error { color: #b00020; }
</style>
</head>
<body>%s</body>
</html>`, body)
}
