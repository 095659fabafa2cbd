package patterns

// TokenPatterns returns all API token detection patterns.
func TokenPatterns() []*Pattern {
	return []*Pattern{
		telegramBotTokenPattern(),
		anthropicKeyPattern(),
		openaiKeyPattern(),
		githubPATPattern(),
		githubOAuthPattern(),
		githubAppPattern(),
		githubRefreshPattern(),
		slackTokenPattern(),
		stripeKeyPattern(),
		jwtTokenPattern(),
		bearerTokenPattern(),
	}
}

// Telegram bot token: numeric bot id, colon, 35-char secret.
func telegramBotTokenPattern() *Pattern {
	return NewPattern("telegram_bot_token").
		WithRegex(`\d{8,10}:[A-Za-z0-9_-]{35}`).
		WithSeverity(SeverityCritical).
		WithDescription("Telegram bot API token").
		Build()
}

func anthropicKeyPattern() *Pattern {
	return NewPattern("anthropic_key").
		WithRegex(`sk-ant-[a-zA-Z0-9_-]{20,}`).
		WithSeverity(SeverityCritical).
		WithDescription("Anthropic API key").
		Build()
}

func openaiKeyPattern() *Pattern {
	// sk-proj- = project key, sk- = older format
	return NewPattern("openai_key").
		WithRegex(`sk-(?:proj-)?[a-zA-Z0-9]{32,}`).
		WithSeverity(SeverityCritical).
		WithDescription("OpenAI API key").
		Build()
}

// GitHub Personal Access Token (classic and fine-grained)
func githubPATPattern() *Pattern {
	return NewPattern("github_pat").
		WithRegex(`(?:ghp_[a-zA-Z0-9]{36}|github_pat_[a-zA-Z0-9]+_[a-zA-Z0-9]{30,})`).
		WithSeverity(SeverityCritical).
		WithDescription("GitHub Personal Access Token").
		Build()
}

func githubOAuthPattern() *Pattern {
	return NewPattern("github_oauth").
		WithRegex(`gho_[a-zA-Z0-9]{36}`).
		WithSeverity(SeverityHigh).
		WithDescription("GitHub OAuth access token").
		Build()
}

func githubAppPattern() *Pattern {
	return NewPattern("github_app").
		WithRegex(`ghs_[a-zA-Z0-9]{36}`).
		WithSeverity(SeverityHigh).
		WithDescription("GitHub App installation access token").
		Build()
}

func githubRefreshPattern() *Pattern {
	return NewPattern("github_refresh").
		WithRegex(`ghr_[a-zA-Z0-9]{36}`).
		WithSeverity(SeverityHigh).
		WithDescription("GitHub App refresh token").
		Build()
}

// Slack token (bot, user, app) and webhook URL.
func slackTokenPattern() *Pattern {
	return NewPattern("slack_token").
		WithRegex(`(?:xox[bpas]-[0-9A-Za-z-]{10,}|https://hooks\.slack\.com/services/[A-Z0-9]+/[A-Z0-9]+/[a-zA-Z0-9]+)`).
		WithSeverity(SeverityHigh).
		WithDescription("Slack token or webhook URL").
		Build()
}

func stripeKeyPattern() *Pattern {
	// sk_ = secret, rk_ = restricted; publishable keys are not secrets
	return NewPattern("stripe_key").
		WithRegex(`(?:sk|rk)_(?:live|test)_[a-zA-Z0-9]{24,}`).
		WithSeverity(SeverityCritical).
		WithDescription("Stripe API key").
		Build()
}

// JWT: three base64url parts separated by dots, header starts with eyJ.
func jwtTokenPattern() *Pattern {
	return NewPattern("jwt_token").
		WithRegex(`eyJ[a-zA-Z0-9_-]{8,}\.[a-zA-Z0-9_-]{8,}\.[a-zA-Z0-9_-]{8,}`).
		WithSeverity(SeverityHigh).
		WithDescription("JSON Web Token").
		Build()
}

func bearerTokenPattern() *Pattern {
	return NewPattern("bearer_token").
		WithRegex(`(?i)bearer\s+[a-zA-Z0-9._~+/=-]{20,}`).
		WithSeverity(SeverityMedium).
		WithDescription("Bearer authentication header value").
		Build()
}
