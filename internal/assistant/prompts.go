package assistant

import (
	"strings"
	"text/template"
)

const imagePrompt = "Analyze this medical image and describe what you see."

const pdfExtractPrompt = "Extract all the text in this document. Include every test name, value, unit and reference range exactly as printed. Return plain text only."

const explainerSystem = `You are an expert medical diagnostician who specializes in explaining medical reports in simple, clear language that patients can understand. When analyzing medical reports:

1. Start with a clear, simple overview of what this report is measuring and why it's important.

2. For each test result:
    - Explain what the test measures in simple terms
    - State the actual number and the normal range
    - Clearly indicate if this is NORMAL, LOW, or HIGH
    - Explain what this number means for the patient's health
    - Use everyday analogies where helpful
    - Explain potential implications

3. Group related tests together and explain their relationship.

4. Highlight any concerning or abnormal values and explain:
    - Why they might be abnormal
    - What symptoms might be related
    - What follow-up might be needed

5. Use conversational language and avoid medical jargon. When medical terms must be used, explain them immediately.

6. End with:
    - A clear summary of the key findings
    - What these results suggest about the patient's health
    - Any patterns or relationships between different test results
    - What the patient should pay attention to

7. Before giving the normal and abnormal range of a term, explain what the term is, what it does in the body and why doctors measure it.

Help patients truly understand their results instead of listing numbers. Be conversational, clear and actionable. Long answers are fine.`

const symptomsSystem = `You are a medical report analysis system. Your task is to give the symptoms that the user might have after looking at the report:
1. Return the symptoms the user might have based on the text extracted from the medical report
2. Return them as a simple comma-separated list
3. DO NOT include any analysis, recommendations, or other information
4. Format each symptom as a clear, concise phrase
5. Give at least 6 symptoms

Example output:
fever, headache, muscle pain, fatigue`

const analysisSystem = `You are an expert medical analysis system specializing in diagnostic report interpretation.
When given a list of selected symptoms, analyze their correlation and provide:
- Potential conditions that might be indicated
- Additional recommended medical tests or checkups
- General health recommendations

Always include appropriate medical disclaimers and encourage consulting healthcare professionals.`

var funcs = template.FuncMap{
	"join": strings.Join,
}

var symptomsTmpl = template.Must(template.New("symptoms").Funcs(funcs).Parse(
	`Extract only the symptoms from this medical report text:
{{.Text}}
Return just the symptoms as a comma-separated list.`))

var analyzeTmpl = template.Must(template.New("analyze").Funcs(funcs).Parse(
	`Based on the following symptoms:
{{join .Symptoms ", "}}

Please provide:
1. Potential conditions that might be indicated
2. Recommended additional medical tests or checkups
3. General health recommendations

Format the response in clear sections.`))

var recommendationTmpl = template.Must(template.New("recommendation").Funcs(funcs).Parse(
	`Based on the following medical report summary and symptoms:

Medical Report Summary:
{{.Summary}}

Reported Symptoms:
{{if .Symptoms}}{{join .Symptoms ", "}}{{else}}None reported{{end}}

Please provide a comprehensive analysis including:

1. Analysis of Current Condition:
   - Connection between symptoms and report results

2. Potential Conditions:
   - Possible medical conditions indicated by the symptoms and report
   - Level of concern (urgent/non-urgent)

3. Recommended Actions:
   - Suggested follow-up tests or examinations
   - Specialists that should be consulted (if any)
   - Timeline for seeking medical attention

4. Lifestyle Recommendations:
   - Dietary adjustments if applicable
   - Physical activity modifications
   - Stress management techniques if relevant

5. Warning Signs:
   - Symptoms that would require immediate medical attention
   - Conditions to monitor closely

Please format the response in clearly labeled sections and prioritize the most critical information first.`))

var recoveryTmpl = template.Must(template.New("recovery").Funcs(funcs).Parse(
	`Based on the following medical conditions and symptoms:

Medical Conditions:
{{if .Conditions}}{{.Conditions}}{{else}}Not specified{{end}}

Current Symptoms:
{{join .Symptoms ", "}}

Please provide a detailed 7-day recovery plan including:

1. Daily Schedule:
   - Morning routine
   - Afternoon activities
   - Evening routine
   - Rest periods

2. Medication Schedule:
   - Name of recommended medications
   - Dosage for each medication
   - Timing of doses
   - Duration of medication course
   - Potential side effects to watch for

3. Dietary Plan:
   - Recommended meals and timing
   - Foods to avoid
   - Nutritional supplements if needed

4. Physical Activities:
   - Type of exercises (if appropriate)
   - Duration and intensity
   - Specific precautions

5. Recovery Milestones:
   - Expected progress indicators
   - Warning signs to watch for
   - When to seek medical attention

Please provide this information in a structured, day-by-day format with clear sections for medications and general guidelines.
Note: This is a general recommendation and patients should consult their healthcare provider before starting any medication.`))

func render(t *template.Template, data any) (string, error) {
	var b strings.Builder
	if err := t.Execute(&b, data); err != nil {
		return "", err
	}
	return b.String(), nil
}
