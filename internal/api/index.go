package api

const indexHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>CastKeeper</title>
    <style>
        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, Oxygen, Ubuntu, Cantarell, sans-serif;
            max-width: 800px;
            margin: 50px auto;
            padding: 20px;
            background: #f5f5f5;
        }
        .container {
            background: white;
            padding: 30px;
            border-radius: 8px;
            box-shadow: 0 2px 4px rgba(0,0,0,0.1);
        }
        h1 { color: #333; margin-top: 0; }
        .status {
            padding: 10px;
            background: #e8f5e9;
            border-left: 4px solid #4caf50;
            margin: 20px 0;
        }
        .status.idle { background: #fff3e0; border-left-color: #ff9800; }
        button { padding: 8px 16px; margin-right: 8px; }
        img { max-width: 100%; margin-top: 20px; background: #000; }
        code {
            background: #f5f5f5;
            padding: 2px 6px;
            border-radius: 3px;
            font-family: 'Courier New', monospace;
        }
    </style>
</head>
<body>
    <div class="container">
        <h1>CastKeeper</h1>
        <div class="status idle" id="status">Not sharing</div>
        <button onclick="call('permission')">Request permission</button>
        <button onclick="call('start')">Start</button>
        <button onclick="call('stop')">Stop</button>
        <div id="error"></div>
        <img id="preview" alt="Live preview">
    </div>
    <script>
        const status = document.getElementById('status');
        const errorBox = document.getElementById('error');
        const preview = document.getElementById('preview');

        function call(op) {
            errorBox.textContent = '';
            fetch('/api/capture/' + op, { method: 'POST' })
                .then(r => r.json())
                .then(data => { if (data.code) errorBox.textContent = data.code + ': ' + data.message; })
                .catch(console.error);
        }

        const ws = new WebSocket((location.protocol === 'https:' ? 'wss://' : 'ws://') + location.host + '/api/capture/events');
        ws.onmessage = (msg) => {
            const ev = JSON.parse(msg.data);
            if (ev.type === 'screenCaptureStarted') {
                status.className = 'status';
                status.textContent = 'Sharing ' + ev.width + 'x' + ev.height + ' (' + ev.streamId + ')';
                preview.src = '/stream?' + Date.now();
            } else {
                status.className = 'status idle';
                status.textContent = ev.type === 'screenCaptureError' ? 'Capture failed: ' + ev.message : 'Not sharing';
            }
        };
    </script>
</body>
</html>`
