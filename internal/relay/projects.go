package relay

import (
	"sort"
	"time"

	"github.com/ehrlich-b/devroom/internal/filetree"
)

// Template is a starter file tree offered at project creation.
type Template struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	FileTree filetree.Tree `json:"fileTree"`
}

const reactPackageJSON = `{
  "name": "react-app",
  "scripts": {
    "start": "react-scripts start"
  },
  "dependencies": {
    "react": "^18.2.0",
    "react-dom": "^18.2.0",
    "react-scripts": "5.0.1"
  }
}`

const nodeServerJS = `const express = require("express");
const app = express();
const port = process.env.PORT || 3000;

app.get("/", (req, res) => {
  res.send("Hello World!");
});

app.listen(port, () => {
  console.log("Server running on port " + port);
});
`

const nodePackageJSON = `{
  "name": "node-server",
  "main": "server.js",
  "scripts": {
    "start": "node server.js"
  },
  "dependencies": {
    "express": "^4.18.2"
  }
}`

// templates builds fresh trees on every call so callers may keep them.
var templates = map[string]func() Template{
	"react-app": func() Template {
		return Template{ID: "react-app", Name: "React App", FileTree: filetree.Tree{
			"src": filetree.NewDir(filetree.Tree{
				"App.js":   filetree.NewFile("// React app content"),
				"index.js": filetree.NewFile("// Index file"),
			}),
			"package.json": filetree.NewFile(reactPackageJSON),
		}}
	},
	"node-server": func() Template {
		return Template{ID: "node-server", Name: "Node.js Server", FileTree: filetree.Tree{
			"server.js":    filetree.NewFile(nodeServerJS),
			"package.json": filetree.NewFile(nodePackageJSON),
		}}
	},
	"empty": func() Template {
		return Template{ID: "empty", Name: "Empty Project", FileTree: filetree.Tree{}}
	},
}

// Templates lists the starter templates sorted by ID.
func Templates() []Template {
	out := make([]Template, 0, len(templates))
	for _, build := range templates {
		out = append(out, build())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// templateTree returns the starter tree for id. Unknown or empty ids get
// an empty tree and the "custom" label.
func templateTree(id string) (filetree.Tree, string) {
	if build, ok := templates[id]; ok {
		return build().FileTree, id
	}
	return filetree.Tree{}, "custom"
}

// Analytics summarises a project.
type Analytics struct {
	FileCount     int            `json:"fileCount"`
	Collaborators int            `json:"collaborators"`
	LastUpdated   time.Time      `json:"lastUpdated"`
	FileTypes     map[string]int `json:"fileTypes"`
	OnlineNow     int            `json:"onlineNow"`
}

func projectAnalytics(p *Project, online int) Analytics {
	return Analytics{
		FileCount:     p.FileTree.CountFiles(),
		Collaborators: len(p.Users),
		LastUpdated:   p.UpdatedAt,
		FileTypes:     p.FileTree.FileTypes(),
		OnlineNow:     online,
	}
}
