package notify

import (
	htmltpl "html/template"
	texttpl "text/template"
)

type approvalData struct {
	Model      string
	APIKey     string
	GatewayURL string
}

type denialData struct {
	Model  string
	Reason string
}

var approvalText = texttpl.Must(texttpl.New("approval.txt").Parse(`
Your API key request has been approved!

Model: {{.Model}}
API Key: {{.APIKey}}
Gateway URL: {{.GatewayURL}}

Please keep your API key secure and do not share it with others.

Thank you for using our service!
`))

var approvalHTML = htmltpl.Must(htmltpl.New("approval.html").Parse(`<html>
  <body>
    <h2>API Key Request Approved</h2>
    <p>Your API key request has been approved!</p>
    <table style="border-collapse: collapse; margin: 20px 0;">
      <tr><td style="padding: 8px; font-weight: bold;">Model:</td><td style="padding: 8px;">{{.Model}}</td></tr>
      <tr><td style="padding: 8px; font-weight: bold;">API Key:</td><td style="padding: 8px; font-family: monospace; background-color: #f5f5f5;">{{.APIKey}}</td></tr>
      <tr><td style="padding: 8px; font-weight: bold;">Gateway URL:</td><td style="padding: 8px; font-family: monospace; background-color: #f5f5f5;">{{.GatewayURL}}</td></tr>
    </table>
    <p><strong>Important:</strong> Please keep your API key secure and do not share it with others.</p>
    <p>Thank you for using our service!</p>
  </body>
</html>
`))

var denialText = texttpl.Must(texttpl.New("denial.txt").Parse(`
Your API key request has been denied.

Model: {{.Model}}
Reason: {{.Reason}}

If you believe this is an error, please contact support.

Thank you for your understanding.
`))

var denialHTML = htmltpl.Must(htmltpl.New("denial.html").Parse(`<html>
  <body>
    <h2>API Key Request Denied</h2>
    <p>Your API key request has been denied.</p>
    <table style="border-collapse: collapse; margin: 20px 0;">
      <tr><td style="padding: 8px; font-weight: bold;">Model:</td><td style="padding: 8px;">{{.Model}}</td></tr>
      <tr><td style="padding: 8px; font-weight: bold;">Reason:</td><td style="padding: 8px;">{{.Reason}}</td></tr>
    </table>
    <p>If you believe this is an error, please contact support.</p>
    <p>Thank you for your understanding.</p>
  </body>
</html>
`))
