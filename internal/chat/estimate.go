package chat

// TokenEstimate is the approximate size of the conversation.
type TokenEstimate struct {
	Total      int `json:"total"`
	Transcript int `json:"transcript"` // displayed messages
	UserTurns  int `json:"user_turns"`
	BotTurns   int `json:"bot_turns"`
	InputText  int `json:"input_text"` // text passed in, or the input buffer
}

// EstimateTokens counts tokens of the displayed transcript and of input. An
// empty input counts the engine's input buffer instead.
func (e *Engine) EstimateTokens(input string) TokenEstimate {
	e.mu.Lock()
	msgs := cloneMessages(e.messages)
	if input == "" {
		input = e.input
	}
	e.mu.Unlock()

	var est TokenEstimate
	for _, m := range msgs {
		n := countTokensSimple(m.Text)
		est.Transcript += n
		if m.Sender == SenderUser {
			est.UserTurns += n
		} else {
			est.BotTurns += n
		}
	}
	est.InputText = countTokensSimple(input)
	est.Total = est.Transcript + est.InputText
	return est
}
