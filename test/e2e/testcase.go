// Package e2e holds the projects the end-to-end suite runs through kiln
// against a real container runtime.
package e2e

import (
	"os"
	"path/filepath"
)

// TestCase is a pre-written project served to kiln as its generated code,
// with the run outcome it should produce.
type TestCase struct {
	Name  string
	Files map[string]string
	// ExpectedStatus is the terminal run status.
	ExpectedStatus string
	// ExpectedKind is the kind of the run's last error, empty for none.
	ExpectedKind string
}

const pythonDockerfile = `FROM python:3.12-slim
WORKDIR /app
COPY . .
CMD ["python", "main.py"]
`

const composeSpec = `services:
  app:
    build: .
`

var TestCases = map[string]TestCase{
	"exits-clean": {
		Name: "exits-clean",
		Files: map[string]string{
			"main.py":      "print('hello from kiln')\n",
			"Dockerfile":   pythonDockerfile,
			"compose.yaml": composeSpec,
		},
		ExpectedStatus: "succeeded",
	},
	"long-running": {
		Name: "long-running",
		Files: map[string]string{
			"main.py": `import http.server
import socketserver

with socketserver.TCPServer(("", 8000), http.server.SimpleHTTPRequestHandler) as httpd:
    print("serving on 8000", flush=True)
    httpd.serve_forever()
`,
			"Dockerfile":   pythonDockerfile,
			"compose.yaml": composeSpec,
		},
		ExpectedStatus: "succeeded",
	},
	// No repairer is configured, so the crash ends the run at the repair
	// stage.
	"crash-without-repairer": {
		Name: "crash-without-repairer",
		Files: map[string]string{
			"main.py": `def main():
    raise ValueError("boom")

main()
`,
			"Dockerfile":   pythonDockerfile,
			"compose.yaml": composeSpec,
		},
		ExpectedStatus: "failed",
		ExpectedKind:   "DebuggingError",
	},
	"broken-dockerfile": {
		Name: "broken-dockerfile",
		Files: map[string]string{
			"main.py":      "print('never built')\n",
			"Dockerfile":   "FROM python:3.12-slim\nRUN exit 3\n",
			"compose.yaml": composeSpec,
		},
		ExpectedStatus: "failed",
		ExpectedKind:   "DebuggingError",
	},
}

// SetupLocal writes the project into a fresh directory under dir.
func (tc *TestCase) SetupLocal(dir string) (string, error) {
	projectDir := filepath.Join(dir, tc.Name)
	for path, content := range tc.Files {
		filePath := filepath.Join(projectDir, path)
		if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
			return "", err
		}
		if err := os.WriteFile(filePath, []byte(content), 0644); err != nil {
			return "", err
		}
	}
	return projectDir, nil
}
