package content

import (
	"fmt"
	"html"
	"math/rand"
	"strings"
	"sync"
	"time"

	"mailwarm/models"
)

// Context carries what the generator may vary the message on.
type Context struct {
	Direction models.Direction
	WarmupDay int
}

// Content is a generated message.
type Content struct {
	Subject  string
	Body     string
	HTMLBody string
}

var subjects = []string{
	"Quick question about your recent post",
	"Following up on our last conversation",
	"Checking in to see how you're doing",
	"Thought you might find this interesting",
	"Let's reconnect soon",
	"An idea I wanted to share with you",
	"Regarding your recent project",
	"Notes from this week",
	"Catching up",
}

var openers = []string{
	"Hi %s,",
	"Hello %s,",
	"Hey %s,",
	"Good to hear from you %s,",
}

var paragraphs = []string{
	"I wanted to follow up on our previous conversation. Let me know if you have any questions!",
	"I came across this and thought you might find it valuable. What do you think?",
	"Just checking in to see if you had any thoughts on this topic?",
	"I wanted to share this with you. Let me know your thoughts when you get a chance.",
	"Hope this message finds you well. I wanted to touch base about the plan for next week.",
	"Things have been busy on our side, but in a good way. How is everything going with you?",
}

var signoffs = []string{
	"Best regards",
	"Regards",
	"Thanks",
	"Best",
	"Warm regards",
	"Cheers",
}

// Generator produces varied, human-looking warmup emails.
type Generator struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

func NewGenerator(seed int64) *Generator {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Generator{rnd: rand.New(rand.NewSource(seed))}
}

// Generate builds a message from senderName to receiverName.
func (g *Generator) Generate(senderName, receiverName string, c Context) Content {
	g.mu.Lock()
	subject := subjects[g.rnd.Intn(len(subjects))]
	opener := openers[g.rnd.Intn(len(openers))]
	first := g.rnd.Intn(len(paragraphs))
	second := -1
	// Later warmup days send longer mail.
	if c.WarmupDay > 7 && g.rnd.Intn(2) == 0 {
		second = (first + 1 + g.rnd.Intn(len(paragraphs)-1)) % len(paragraphs)
	}
	signoff := signoffs[g.rnd.Intn(len(signoffs))]
	g.mu.Unlock()

	if c.Direction == models.DirectionPoolToWarmup {
		subject = "Re: " + subject
	}

	lines := []string{fmt.Sprintf(opener, firstName(receiverName)), "", paragraphs[first]}
	if second >= 0 {
		lines = append(lines, "", paragraphs[second])
	}
	lines = append(lines, "", signoff+",", firstName(senderName))
	body := strings.Join(lines, "\n")

	return Content{Subject: subject, Body: body, HTMLBody: toHTML(lines)}
}

func firstName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "there"
	}
	if i := strings.IndexAny(name, " @"); i > 0 {
		return name[:i]
	}
	return name
}

func toHTML(lines []string) string {
	var b strings.Builder
	b.WriteString("<div>")
	for _, l := range lines {
		if l == "" {
			b.WriteString("<br>")
			continue
		}
		b.WriteString("<p>")
		b.WriteString(html.EscapeString(l))
		b.WriteString("</p>")
	}
	b.WriteString("</div>")
	return b.String()
}
