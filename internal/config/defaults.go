package config

// GetDefaultExtractionTemplate returns the default template for source extraction
func GetDefaultExtractionTemplate() string {
	return `Read the material below about "{{.Topic}}" and pull out what a short narrated video would need.

{{if .Source}}SOURCE MATERIAL:
{{.Source}}
{{else}}There is no source document; work from general knowledge of the topic.
{{end}}
Write in {{.Language}}.

Return ONLY a valid JSON object (no markdown, no additional text):
{"summary": "<3-5 sentence summary>", "key_points": ["point 1", "point 2", ...]}`
}

// GetDefaultTitlesTemplate returns the default template for title generation
func GetDefaultTitlesTemplate() string {
	return `Generate {{.NumTitles}} distinct, curiosity-driven titles for a short vertical video about "{{.Topic}}".
{{if .Summary}}
Context:
{{.Summary}}
{{range .KeyPoints}}- {{.}}
{{end}}{{end}}
Each title should:
- Be under 70 characters
- Promise a payoff the video can deliver
- Be different in angle from the others

Write in {{.Language}}. Return ONLY a valid JSON object (no markdown, no additional text):
{"titles": ["Title 1", "Title 2", ...]}`
}

// GetDefaultPremisesTemplate returns the default template for premise generation
func GetDefaultPremisesTemplate() string {
	return `Write {{.NumPremises}} premises for a 45-60 second narrated video titled "{{.Title}}" (topic: {{.Topic}}).
{{if .Summary}}
Background:
{{.Summary}}
{{end}}
Each premise is 2-3 sentences: the hook, the turn, and the payoff.

Write in {{.Language}}. Return ONLY a valid JSON object (no markdown, no additional text):
{"premises": ["Premise 1", "Premise 2", ...]}`
}

// GetDefaultScriptsTemplate returns the default template for script generation
func GetDefaultScriptsTemplate() string {
	return `Write the narration script for a short vertical video.

TITLE: {{.Title}}
PREMISE: {{.Premise}}

Split it into 5-8 scenes. For each scene give the narration (1-3 spoken sentences) and an image prompt describing a single still frame{{if .ImageStyle}} in this style: {{.ImageStyle}}{{end}}.
Narration only: no stage directions, no scene numbers, no sign-offs.

Write the narration in {{.Language}}. Return ONLY a valid JSON object (no markdown, no additional text):
{"script": "<full narration>", "scenes": [{"narration": "...", "image_prompt": "..."}, ...]}`
}

// GetDefaultSystemPrompt returns the system prompt shared by every text step
func GetDefaultSystemPrompt() string {
	return `You are a scriptwriter for short-form educational videos. You write vivid, accurate, spoken-style copy and you always answer in the exact JSON format requested.`
}
